package service

import (
	"context"
	"strings"
	"time"

	"github.com/mhmohamad1380/DJ-Chat/internal/codec"
	"github.com/mhmohamad1380/DJ-Chat/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ThreadService 管理一对一私聊会话。
type ThreadService struct {
	db *gorm.DB
}

func NewThreadService(db *gorm.DB) *ThreadService {
	return &ThreadService{db: db}
}

// Participant 是会话参与者的最小投影。
type Participant struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

// ThreadDTO 是会话列表的输出项。
type ThreadDTO struct {
	UUID          string      `json:"uuid"`
	Peer          Participant `json:"peer"`
	LastMessageAt *time.Time  `json:"last_message_at"`
}

// GetOrCreateForUsers 返回两人之间唯一的会话；参数顺序无关。
// 并发创建时依赖 (user_a_id, user_b_id) 唯一索引，冲突后重新读取。
func (s *ThreadService) GetOrCreateForUsers(ctx context.Context, a, b uint) (*models.DirectThread, error) {
	if a == 0 || b == 0 {
		return nil, ErrInvalidInput
	}
	if a == b {
		return nil, ErrSelfThread
	}
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	db := s.db.WithContext(ctx)

	var thread models.DirectThread
	err := db.Where("user_a_id = ? AND user_b_id = ?", lo, hi).First(&thread).Error
	if err == nil {
		return &thread, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "find thread")
	}

	key, err := codec.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate thread key")
	}
	thread = models.DirectThread{UUID: uuid.NewString(), UserAID: lo, UserBID: hi, Key: key}
	if err := db.Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(&thread).Error; err != nil {
		return nil, errors.Wrap(err, "create thread")
	}
	var stored models.DirectThread
	if err := db.Where("user_a_id = ? AND user_b_id = ?", lo, hi).First(&stored).Error; err != nil {
		return nil, errors.Wrap(err, "reload thread")
	}
	return &stored, nil
}

// OpenWithUsername 以用户名打开（或创建）与对方的私聊。
func (s *ThreadService) OpenWithUsername(ctx context.Context, current *models.User, target string) (*models.DirectThread, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, ErrInvalidInput
	}
	other, err := findUser(s.db.WithContext(ctx), target)
	if err != nil {
		return nil, err
	}
	if other.ID == current.ID {
		return nil, ErrSelfThread
	}
	return s.GetOrCreateForUsers(ctx, current.ID, other.ID)
}

// Lookup 按公开 UUID 查找会话。
func (s *ThreadService) Lookup(ctx context.Context, id string) (*models.DirectThread, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrThreadNotFound
	}
	var thread models.DirectThread
	if err := s.db.WithContext(ctx).Where("uuid = ?", id).First(&thread).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrThreadNotFound
		}
		return nil, errors.Wrap(err, "lookup thread")
	}
	return &thread, nil
}

// Participants 按 (UserA, UserB) 顺序返回两名参与者。
func (s *ThreadService) Participants(ctx context.Context, thread *models.DirectThread) ([2]Participant, error) {
	var users []models.User
	err := s.db.WithContext(ctx).Select("id", "username").
		Where("id IN ?", []uint{thread.UserAID, thread.UserBID}).Find(&users).Error
	if err != nil {
		return [2]Participant{}, errors.Wrap(err, "load participants")
	}
	out := [2]Participant{{ID: thread.UserAID}, {ID: thread.UserBID}}
	for _, u := range users {
		for i := range out {
			if out[i].ID == u.ID {
				out[i].Username = u.Username
			}
		}
	}
	return out, nil
}

// ListForUser 返回用户参与的会话，最近有消息的在前。
func (s *ThreadService) ListForUser(ctx context.Context, userID uint) ([]ThreadDTO, error) {
	var threads []models.DirectThread
	err := s.db.WithContext(ctx).Preload("UserA").Preload("UserB").
		Where("user_a_id = ? OR user_b_id = ?", userID, userID).
		Order("last_message_at IS NULL, last_message_at DESC, id DESC").
		Find(&threads).Error
	if err != nil {
		return nil, errors.Wrap(err, "list threads")
	}
	out := make([]ThreadDTO, 0, len(threads))
	for _, t := range threads {
		peer := t.UserB
		if t.UserBID == userID {
			peer = t.UserA
		}
		out = append(out, ThreadDTO{
			UUID:          t.UUID,
			Peer:          Participant{ID: peer.ID, Username: peer.Username},
			LastMessageAt: t.LastMessageAt,
		})
	}
	return out, nil
}

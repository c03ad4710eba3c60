package service

import (
	"context"
	"strings"

	"github.com/mhmohamad1380/DJ-Chat/internal/codec"
	"github.com/mhmohamad1380/DJ-Chat/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DirectService 负责私聊消息的持久化。
type DirectService struct {
	db *gorm.DB
}

func NewDirectService(db *gorm.DB) *DirectService {
	return &DirectService{db: db}
}

// DirectChatPayload 是私聊消息的对外格式，room_name 为会话 UUID。
type DirectChatPayload struct {
	Type            string  `json:"type"`
	ID              uint    `json:"id"`
	RoomName        string  `json:"room_name"`
	Username        string  `json:"username"`
	Message         string  `json:"message"`
	CreatedAt       string  `json:"created_at"`
	ReplyTo         *uint   `json:"reply_to,omitempty"`
	ReplyToMessage  *string `json:"reply_to_message,omitempty"`
	ReplyToUsername *string `json:"reply_to_username,omitempty"`
}

func (p *DirectChatPayload) setReply(id uint, username, body string) {
	preview := truncate(body, replyPreviewLen)
	p.ReplyTo, p.ReplyToUsername, p.ReplyToMessage = &id, &username, &preview
}

// Send 写入一条私聊消息，并在同一事务中更新会话的 last_message_at。
// 发送者必须是会话参与者；不属于本会话的回复目标被丢弃。
func (s *DirectService) Send(ctx context.Context, thread *models.DirectThread, sender *models.User, text string, replyToID *uint) (*DirectChatPayload, error) {
	if sender == nil || !thread.Has(sender.ID) {
		return nil, ErrNotParticipant
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	var out *DirectChatPayload
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reply *models.DirectMessage
		if replyToID != nil {
			var r models.DirectMessage
			if err := tx.Preload("Sender").Where("thread_id = ?", thread.ID).First(&r, *replyToID).Error; err == nil {
				reply = &r
			}
		}

		msg := models.DirectMessage{ThreadID: thread.ID, SenderID: sender.ID, Plaintext: text}
		if reply != nil {
			msg.ReplyToID = &reply.ID
		}
		if err := tx.Omit(clause.Associations).Create(&msg).Error; err != nil {
			return err
		}
		err := tx.Model(&models.DirectThread{}).Where("id = ?", thread.ID).
			Update("last_message_at", msg.CreatedAt).Error
		if err != nil {
			return err
		}

		out = &DirectChatPayload{
			Type:      "chat_message",
			ID:        msg.ID,
			RoomName:  thread.UUID,
			Username:  sender.Username,
			Message:   codec.DecryptOrRaw(thread.Key, msg.Body),
			CreatedAt: isoTime(msg.CreatedAt),
		}
		if reply != nil {
			out.setReply(reply.ID, reply.Sender.Username, codec.DecryptOrRaw(thread.Key, reply.Body))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrReplyOutsideConversation) || errors.Is(err, models.ErrSenderNotParticipant) {
			return nil, err
		}
		return nil, errors.Wrap(err, "send direct message")
	}
	return out, nil
}

// List 分页返回会话历史，按 (created_at, id) 升序。
func (s *DirectService) List(ctx context.Context, thread *models.DirectThread, limit int, beforeID uint) ([]DirectChatPayload, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Preload("Sender").Preload("ReplyTo.Sender").Where("thread_id = ?", thread.ID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var msgs []models.DirectMessage
	if err := q.Order("created_at desc, id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, errors.Wrap(err, "list direct messages")
	}
	out := make([]DirectChatPayload, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		p := DirectChatPayload{
			Type:      "chat_message",
			ID:        m.ID,
			RoomName:  thread.UUID,
			Username:  m.Sender.Username,
			Message:   codec.DecryptOrRaw(thread.Key, m.Body),
			CreatedAt: isoTime(m.CreatedAt),
		}
		if m.ReplyTo != nil {
			p.setReply(m.ReplyTo.ID, m.ReplyTo.Sender.Username, codec.DecryptOrRaw(thread.Key, m.ReplyTo.Body))
		}
		out = append(out, p)
	}
	return out, nil
}

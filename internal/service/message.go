package service

import (
	"context"
	"strings"
	"time"

	"github.com/mhmohamad1380/DJ-Chat/internal/codec"
	"github.com/mhmohamad1380/DJ-Chat/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const replyPreviewLen = 140

// MessageService 封装房间消息的持久化、回复解析与历史查询。
type MessageService struct {
	db *gorm.DB
}

func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{db: db}
}

// RoomChatEvent 是房间内广播给所有连接的消息事件。
// messageId 与 id 同值，兼容旧客户端；三个 reply 字段同时为空或同时有值。
type RoomChatEvent struct {
	Type            string  `json:"type"`
	MessageID       uint    `json:"messageId"`
	ID              uint    `json:"id"`
	Username        string  `json:"username"`
	Message         string  `json:"message"`
	CreatedAt       string  `json:"created_at"`
	ReplyTo         *uint   `json:"reply_to"`
	ReplyToUsername *string `json:"reply_to_username"`
	ReplyToPreview  *string `json:"reply_to_preview"`
}

func (e *RoomChatEvent) setReply(id uint, username, body string) {
	p := truncate(body, replyPreviewLen)
	e.ReplyTo, e.ReplyToUsername, e.ReplyToPreview = &id, &username, &p
}

// CreateRoomMessage 在单个事务内写入房间消息并构造广播事件。
// 正文由模型钩子加密；事件里的明文来自对刚写入行的重新读取与解密。
// 回复目标不存在或不属于本房间时，回复字段被清空，消息照常发送。
func (s *MessageService) CreateRoomMessage(ctx context.Context, sender *models.User, roomName, text string, replyToID *uint) (*RoomChatEvent, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	var ev *RoomChatEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := lookupRoom(tx, roomName)
		if err != nil {
			return err
		}
		var reply *models.Message
		if replyToID != nil {
			reply = loadRoomReply(tx, room.ID, *replyToID)
		}

		msg := models.Message{RoomID: room.ID, SenderID: sender.ID, Plaintext: text}
		if reply != nil {
			msg.ReplyToID = &reply.ID
		}
		if err := tx.Omit(clause.Associations).Create(&msg).Error; err != nil {
			return err
		}
		var stored models.Message
		if err := tx.Select("id", "body", "created_at").First(&stored, msg.ID).Error; err != nil {
			return err
		}

		ev = &RoomChatEvent{
			Type:      "chat_message",
			MessageID: stored.ID,
			ID:        stored.ID,
			Username:  sender.Username,
			Message:   codec.DecryptOrRaw(room.Key, stored.Body),
			CreatedAt: isoTime(stored.CreatedAt),
		}
		if reply != nil {
			ev.setReply(reply.ID, reply.Sender.Username, codec.DecryptOrRaw(reply.Room.Key, reply.Body))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) || errors.Is(err, models.ErrReplyOutsideConversation) {
			return nil, err
		}
		return nil, errors.Wrap(err, "create room message")
	}
	return ev, nil
}

// loadRoomReply 查找同一房间内的回复目标，任何失败都返回 nil。
func loadRoomReply(tx *gorm.DB, roomID, id uint) *models.Message {
	var m models.Message
	err := tx.Preload("Sender").Preload("Room").
		Where("room_id = ?", roomID).First(&m, id).Error
	if err != nil {
		return nil
	}
	return &m
}

// ListByRoom 分页返回房间历史消息（已解密），按 (created_at, id) 升序。
func (s *MessageService) ListByRoom(ctx context.Context, roomName string, userID uint, limit int, beforeID uint) ([]RoomChatEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	db := s.db.WithContext(ctx)
	room, err := lookupRoom(db, roomName)
	if err != nil {
		return nil, err
	}
	var n int64
	if err := db.Table("room_members").Where("room_id = ? AND user_id = ?", room.ID, userID).Count(&n).Error; err != nil {
		return nil, errors.Wrap(err, "check membership")
	}
	if n == 0 {
		return nil, ErrForbidden
	}

	q := db.Preload("Sender").Preload("ReplyTo.Sender").Where("room_id = ?", room.ID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var msgs []models.Message
	if err := q.Order("created_at desc, id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, errors.Wrap(err, "list messages")
	}

	out := make([]RoomChatEvent, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		ev := RoomChatEvent{
			Type:      "chat_message",
			MessageID: m.ID,
			ID:        m.ID,
			Username:  m.Sender.Username,
			Message:   codec.DecryptOrRaw(room.Key, m.Body),
			CreatedAt: isoTime(m.CreatedAt),
		}
		if m.ReplyTo != nil {
			ev.setReply(m.ReplyTo.ID, m.ReplyTo.Sender.Username, codec.DecryptOrRaw(room.Key, m.ReplyTo.Body))
		}
		out = append(out, ev)
	}
	return out, nil
}

func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

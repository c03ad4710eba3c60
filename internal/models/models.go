package models

import (
	"errors"
	"time"

	"github.com/mhmohamad1380/DJ-Chat/internal/codec"

	"gorm.io/gorm"
)

var (
	ErrReplyOutsideConversation = errors.New("reply target belongs to another conversation")
	ErrSenderNotParticipant     = errors.New("sender is not a participant of the thread")
)

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Room 的 Name 在创建时已 slug 化（小写），因此唯一索引天然大小写不敏感。
type Room struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:128;not null"`
	CreatorID uint   `gorm:"index;not null"`
	Creator   User
	Key       string `gorm:"size:64;not null"`
	Members   []User `gorm:"many2many:room_members"`
	CreatedAt time.Time
}

type Message struct {
	ID        uint  `gorm:"primaryKey"`
	RoomID    uint  `gorm:"index:idx_msg_room_created,priority:1;not null"`
	Room      Room  `gorm:"constraint:OnDelete:CASCADE"`
	SenderID  uint  `gorm:"index;not null"`
	Sender    User  `gorm:"constraint:OnDelete:CASCADE"`
	ReplyToID *uint `gorm:"index"`
	ReplyTo   *Message
	Body      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index:idx_msg_room_created,priority:2"`

	// Plaintext 只存在于内存中，BeforeCreate 用房间密钥把它加密进 Body。
	Plaintext string `gorm:"-"`
}

// BeforeCreate 校验回复目标属于同一房间，并加密消息正文。
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	q := tx.Session(&gorm.Session{NewDB: true})
	var room Room
	if err := q.Select("id", "key").First(&room, m.RoomID).Error; err != nil {
		return err
	}
	if m.ReplyToID != nil {
		var n int64
		if err := q.Model(&Message{}).Where("id = ? AND room_id = ?", *m.ReplyToID, m.RoomID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrReplyOutsideConversation
		}
	}
	body, err := codec.Encrypt(room.Key, m.Plaintext)
	if err != nil {
		return err
	}
	m.Body = body
	return nil
}

// DirectThread 以 (UserAID < UserBID) 的有序对保存，保证任意两人之间至多一个会话。
type DirectThread struct {
	ID            uint   `gorm:"primaryKey"`
	UUID          string `gorm:"uniqueIndex;size:36;not null"`
	UserAID       uint   `gorm:"uniqueIndex:idx_thread_pair,priority:1;not null"`
	UserA         User
	UserBID       uint `gorm:"uniqueIndex:idx_thread_pair,priority:2;not null"`
	UserB         User
	Key           string     `gorm:"size:64;not null"`
	LastMessageAt *time.Time `gorm:"index"`
	CreatedAt     time.Time
}

// Has 判断用户是否为会话的两名参与者之一。
func (t *DirectThread) Has(userID uint) bool {
	return userID != 0 && (t.UserAID == userID || t.UserBID == userID)
}

// Peer 返回另一名参与者的 ID。
func (t *DirectThread) Peer(userID uint) uint {
	if t.UserAID == userID {
		return t.UserBID
	}
	return t.UserAID
}

type DirectMessage struct {
	ID        uint         `gorm:"primaryKey"`
	ThreadID  uint         `gorm:"index:idx_dm_thread_created,priority:1;not null"`
	Thread    DirectThread `gorm:"constraint:OnDelete:CASCADE"`
	SenderID  uint         `gorm:"index;not null"`
	Sender    User         `gorm:"constraint:OnDelete:CASCADE"`
	ReplyToID *uint        `gorm:"index"`
	ReplyTo   *DirectMessage
	Body      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index:idx_dm_thread_created,priority:2"`

	Plaintext string `gorm:"-"`
}

// BeforeCreate 校验发送者与回复目标，再用会话密钥加密正文。
func (m *DirectMessage) BeforeCreate(tx *gorm.DB) error {
	q := tx.Session(&gorm.Session{NewDB: true})
	var thread DirectThread
	if err := q.Select("id", "user_a_id", "user_b_id", "key").First(&thread, m.ThreadID).Error; err != nil {
		return err
	}
	if !thread.Has(m.SenderID) {
		return ErrSenderNotParticipant
	}
	if m.ReplyToID != nil {
		var n int64
		if err := q.Model(&DirectMessage{}).Where("id = ? AND thread_id = ?", *m.ReplyToID, m.ThreadID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrReplyOutsideConversation
		}
	}
	body, err := codec.Encrypt(thread.Key, m.Plaintext)
	if err != nil {
		return err
	}
	m.Body = body
	return nil
}

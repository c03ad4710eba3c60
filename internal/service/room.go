package service

import (
	"context"

	"github.com/mhmohamad1380/DJ-Chat/internal/codec"
	"github.com/mhmohamad1380/DJ-Chat/internal/models"

	"github.com/gosimple/slug"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RoomService 封装房间的创建、查找与授权。
type RoomService struct {
	db       *gorm.DB
	maxRooms int
}

func NewRoomService(db *gorm.DB, maxRooms int) *RoomService {
	return &RoomService{db: db, maxRooms: maxRooms}
}

// RoomDTO 是对外输出的房间数据。
type RoomDTO struct {
	ID        uint   `json:"id"`
	Name      string `json:"name"`
	CreatorID uint   `json:"creator_id"`
}

// Create 创建房间：名称 slug 化，生成房间密钥，创建者自动成为成员。
func (s *RoomService) Create(ctx context.Context, name string, creator *models.User) (*RoomDTO, error) {
	name = slug.Make(name)
	if name == "" {
		return nil, ErrInvalidInput
	}
	key, err := codec.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate room key")
	}
	room := models.Room{Name: name, CreatorID: creator.ID, Key: key}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owned int64
		if err := tx.Model(&models.Room{}).Where("creator_id = ?", creator.ID).Count(&owned).Error; err != nil {
			return err
		}
		if s.maxRooms > 0 && owned >= int64(s.maxRooms) {
			return ErrRoomLimit
		}
		var exists int64
		if err := tx.Model(&models.Room{}).Where("name = ?", name).Count(&exists).Error; err != nil {
			return err
		}
		if exists > 0 {
			return ErrRoomExists
		}
		if err := tx.Omit("Creator", "Members").Create(&room).Error; err != nil {
			return err
		}
		return grant(tx, room.ID, creator.ID)
	})
	if err != nil {
		if errors.Is(err, ErrRoomLimit) || errors.Is(err, ErrRoomExists) {
			return nil, err
		}
		return nil, errors.Wrap(err, "create room")
	}
	return &RoomDTO{ID: room.ID, Name: room.Name, CreatorID: room.CreatorID}, nil
}

// Lookup 按名称（大小写不敏感）查找房间。
func (s *RoomService) Lookup(ctx context.Context, name string) (*models.Room, error) {
	return lookupRoom(s.db.WithContext(ctx), name)
}

func lookupRoom(db *gorm.DB, name string) (*models.Room, error) {
	var room models.Room
	err := db.Select("id", "name", "creator_id", "key").Where("LOWER(name) = LOWER(?)", name).First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, errors.Wrap(err, "lookup room")
	}
	return &room, nil
}

// IsMember 判断用户是否已获授权进入房间。
func (s *RoomService) IsMember(ctx context.Context, roomID, userID uint) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Table("room_members").
		Where("room_id = ? AND user_id = ?", roomID, userID).Count(&n).Error
	if err != nil {
		return false, errors.Wrap(err, "check membership")
	}
	return n > 0, nil
}

// Members 返回房间成员的用户 ID。
func (s *RoomService) Members(ctx context.Context, roomID uint) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Table("room_members").
		Where("room_id = ?", roomID).Order("user_id").Pluck("user_id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "list members")
	}
	return ids, nil
}

// Grant 由房间创建者把指定用户加入成员列表，重复授权不报错。
func (s *RoomService) Grant(ctx context.Context, roomName string, actor *models.User, username string) error {
	db := s.db.WithContext(ctx)
	room, err := lookupRoom(db, roomName)
	if err != nil {
		return err
	}
	if room.CreatorID != actor.ID {
		return ErrForbidden
	}
	user, err := findUser(db, username)
	if err != nil {
		return err
	}
	if err := grant(db, room.ID, user.ID); err != nil {
		return errors.Wrap(err, "grant member")
	}
	return nil
}

// ListForUser 返回用户有权进入的房间。
func (s *RoomService) ListForUser(ctx context.Context, userID uint) ([]RoomDTO, error) {
	var rooms []models.Room
	err := s.db.WithContext(ctx).
		Joins("JOIN room_members ON room_members.room_id = rooms.id").
		Where("room_members.user_id = ?", userID).
		Order("rooms.name").Find(&rooms).Error
	if err != nil {
		return nil, errors.Wrap(err, "list rooms")
	}
	out := make([]RoomDTO, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomDTO{ID: r.ID, Name: r.Name, CreatorID: r.CreatorID})
	}
	return out, nil
}

func grant(db *gorm.DB, roomID, userID uint) error {
	return db.Table("room_members").Clauses(clause.OnConflict{DoNothing: true}).
		Create(map[string]any{"room_id": roomID, "user_id": userID}).Error
}

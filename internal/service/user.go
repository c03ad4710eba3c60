package service

import (
	"context"

	"github.com/mhmohamad1380/DJ-Chat/internal/auth"
	"github.com/mhmohamad1380/DJ-Chat/internal/config"
	"github.com/mhmohamad1380/DJ-Chat/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// UserService 负责注册与登录，为 WebSocket 提供身份来源。
type UserService struct {
	db  *gorm.DB
	cfg config.Config
}

func NewUserService(db *gorm.DB, cfg config.Config) *UserService {
	return &UserService{db: db, cfg: cfg}
}

// Register 注册新用户。
func (s *UserService) Register(ctx context.Context, username, password string) (*models.User, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, errors.Wrap(err, "count users")
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}
	user := models.User{Username: username, PasswordHash: hash}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, errors.Wrap(err, "create user")
	}
	return &user, nil
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	AccessToken string      `json:"access_token"`
	User        models.User `json:"-"`
}

// Login 校验用户名密码并签发访问 token。
func (s *UserService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, errors.Wrap(err, "find user")
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	at, err := auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, errors.Wrap(err, "sign token")
	}
	return &LoginResult{AccessToken: at, User: user}, nil
}

// ByUsername 按用户名查找用户。
func (s *UserService) ByUsername(ctx context.Context, username string) (*models.User, error) {
	return findUser(s.db.WithContext(ctx), username)
}

func findUser(db *gorm.DB, username string) (*models.User, error) {
	var user models.User
	if err := db.Select("id", "username").Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, errors.Wrap(err, "find user")
	}
	return &user, nil
}

package service

import "errors"

// 业务层通用错误，handler 与 WebSocket 网关据此映射 HTTP 状态码或关闭码。
var (
	ErrUsernameTaken      = errors.New("username taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomExists         = errors.New("room already exists")
	ErrRoomLimit          = errors.New("room limit reached")
	ErrThreadNotFound     = errors.New("thread not found")
	ErrForbidden          = errors.New("forbidden")
	ErrNotParticipant     = errors.New("not a participant of this thread")
	ErrSelfThread         = errors.New("you can't DM yourself")
	ErrEmptyMessage       = errors.New("empty message")
	ErrInvalidInput       = errors.New("invalid input")
)

package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mhmohamad1380/DJ-Chat/internal/auth"
	"github.com/mhmohamad1380/DJ-Chat/internal/service"
	"github.com/mhmohamad1380/DJ-Chat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Onliner 报告本节点上某个广播组的在线连接数。
type Onliner interface {
	Online(group string) int
}

// Check 是 /healthz 的一个依赖探测。
type Check func(ctx context.Context) error

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc   *service.UserService
	roomSvc   *service.RoomService
	msgSvc    *service.MessageService
	threadSvc *service.ThreadService
	directSvc *service.DirectService
	online    Onliner
	checks    map[string]Check
}

func NewHandler(users *service.UserService, rooms *service.RoomService, msgs *service.MessageService,
	threads *service.ThreadService, direct *service.DirectService, online Onliner, checks map[string]Check) *Handler {
	return &Handler{userSvc: users, roomSvc: rooms, msgSvc: msgs, threadSvc: threads, directSvc: direct, online: online, checks: checks}
}

// statusFor 把业务错误映射为 HTTP 状态码，未知错误按 500 处理。
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrSelfThread), errors.Is(err, service.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden), errors.Is(err, service.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, service.ErrUserNotFound), errors.Is(err, service.ErrRoomNotFound), errors.Is(err, service.ErrThreadNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrUsernameTaken), errors.Is(err, service.ErrRoomExists):
		return http.StatusConflict
	case errors.Is(err, service.ErrRoomLimit):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error, op string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("op", op).Uint("user_id", auth.GetUserID(c)).Msg("request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": errors.Cause(err).Error()})
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	user, err := h.userSvc.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		fail(c, err, "register")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": user.ID, "username": user.Username})
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		fail(c, err, "login")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": result.AccessToken,
		"user":         gin.H{"id": result.User.ID, "username": result.User.Username},
	})
}

// CreateRoom 处理创建房间请求。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room name"})
		return
	}
	room, err := h.roomSvc.Create(c.Request.Context(), req.Name, auth.CurrentUser(c))
	if err != nil {
		fail(c, err, "create room")
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

// ListRooms 返回当前用户可进入的房间。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.roomSvc.ListForUser(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "list rooms")
		return
	}
	type roomDTO struct {
		service.RoomDTO
		Online int `json:"online"`
	}
	out := make([]roomDTO, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, roomDTO{RoomDTO: r, Online: h.online.Online(ws.RoomGroup(r.Name))})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

// GrantMember 由房间创建者把其他用户加入房间。
func (h *Handler) GrantMember(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Username) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	err := h.roomSvc.Grant(c.Request.Context(), c.Param("name"), auth.CurrentUser(c), strings.TrimSpace(req.Username))
	if err != nil {
		fail(c, err, "grant member")
		return
	}
	c.Status(http.StatusNoContent)
}

// page 解析 limit 与 before_id 查询参数。
func page(c *gin.Context) (int, uint) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var beforeID uint
	if v, err := strconv.ParseUint(c.Query("before_id"), 10, 64); err == nil {
		beforeID = uint(v)
	}
	return limit, beforeID
}

// ListRoomMessages 处理获取房间历史消息请求。
func (h *Handler) ListRoomMessages(c *gin.Context) {
	limit, beforeID := page(c)
	msgs, err := h.msgSvc.ListByRoom(c.Request.Context(), c.Param("name"), auth.GetUserID(c), limit, beforeID)
	if err != nil {
		fail(c, err, "list room messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// OpenThread 打开（必要时创建）与指定用户的私聊会话。
func (h *Handler) OpenThread(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	thread, err := h.threadSvc.OpenWithUsername(c.Request.Context(), auth.CurrentUser(c), req.Username)
	if err != nil {
		fail(c, err, "open thread")
		return
	}
	c.JSON(http.StatusOK, gin.H{"uuid": thread.UUID})
}

func (h *Handler) ListThreads(c *gin.Context) {
	threads, err := h.threadSvc.ListForUser(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "list threads")
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": threads})
}

// ListThreadMessages 只对会话参与者开放。
func (h *Handler) ListThreadMessages(c *gin.Context) {
	ctx := c.Request.Context()
	thread, err := h.threadSvc.Lookup(ctx, c.Param("uuid"))
	if err != nil {
		fail(c, err, "lookup thread")
		return
	}
	if !thread.Has(auth.GetUserID(c)) {
		fail(c, service.ErrNotParticipant, "list thread messages")
		return
	}
	limit, beforeID := page(c)
	msgs, err := h.directSvc.List(ctx, thread, limit, beforeID)
	if err != nil {
		fail(c, err, "list thread messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// Healthz 依次探测各依赖，任一失败返回 503。
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	out := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			out[name] = err.Error()
			continue
		}
		out[name] = "ok"
	}
	if status == http.StatusOK {
		out["status"] = "ok"
	} else {
		out["status"] = "degraded"
	}
	c.JSON(status, out)
}

// Me 返回当前登录用户。
func (h *Handler) Me(c *gin.Context) {
	u := auth.CurrentUser(c)
	if u == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": auth.ErrMissingToken.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": u.ID, "username": u.Username})
}

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/mhmohamad1380/DJ-Chat/internal/auth"
	"github.com/mhmohamad1380/DJ-Chat/internal/config"
	"github.com/mhmohamad1380/DJ-Chat/internal/metrics"
	"github.com/mhmohamad1380/DJ-Chat/internal/mw"
	"github.com/mhmohamad1380/DJ-Chat/internal/presence"
	"github.com/mhmohamad1380/DJ-Chat/internal/service"
	"github.com/mhmohamad1380/DJ-Chat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Deps 是组装路由所需的全部依赖，由 main 构造。
type Deps struct {
	Config  config.Config
	DB      *gorm.DB
	Redis   *redis.Client
	Bus     ws.Broadcaster
	Online  Onliner
	Tracker *presence.Tracker
	Limiter *mw.RL
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(d Deps) *gin.Engine {
	cfg := d.Config
	if d.Limiter == nil {
		// 控制单个用户或 IP 在每个路由上的速率。
		d.Limiter = mw.NewRateLimiter(rate.Every(time.Second/20), 40, 2*time.Minute).Start()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.AllowedOrigins))

	authn := auth.NewAuthenticator(d.DB, cfg.JWTSecret)
	users := service.NewUserService(d.DB, cfg)
	rooms := service.NewRoomService(d.DB, cfg.MaxRoomsPerUser)
	msgs := service.NewMessageService(d.DB)
	threads := service.NewThreadService(d.DB)
	direct := service.NewDirectService(d.DB)

	checks := map[string]Check{
		"db": func(ctx context.Context) error {
			sqlDB, err := d.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error {
			return d.Redis.WithContext(ctx).Ping().Err()
		},
	}
	h := NewHandler(users, rooms, msgs, threads, direct, d.Online, checks)

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limit := mw.RateLimit(d.Limiter)
	api := r.Group("/api/v1")
	api.POST("/auth/register", limit, h.Register)
	api.POST("/auth/login", limit, h.Login)

	// 需要 Bearer Token 的业务接口，按用户限速。
	authed := api.Group("")
	authed.Use(authn.Middleware(), limit)
	authed.GET("/me", h.Me)
	authed.GET("/rooms", h.ListRooms)
	authed.POST("/rooms", h.CreateRoom)
	authed.POST("/rooms/:name/members", h.GrantMember)
	authed.GET("/rooms/:name/messages", h.ListRoomMessages)
	authed.GET("/dm", h.ListThreads)
	authed.POST("/dm", h.OpenThread)
	authed.GET("/dm/:uuid/messages", h.ListThreadMessages)

	upgrader := ws.NewUpgrader(cfg.Env, cfg.AllowedOrigins)
	roomGW := ws.NewRoomGateway(authn, rooms, msgs, d.Bus, upgrader, d.Limiter)
	dmGW := ws.NewDirectGateway(authn, threads, direct, d.Tracker, d.Bus, upgrader, d.Limiter)
	r.GET("/ws/room-chat/:room_name", roomGW.Serve)
	r.GET("/ws/dm-chat/:thread_uuid", dmGW.Serve)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}

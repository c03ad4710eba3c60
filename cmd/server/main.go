package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mhmohamad1380/DJ-Chat/internal/config"
	"github.com/mhmohamad1380/DJ-Chat/internal/db"
	clog "github.com/mhmohamad1380/DJ-Chat/internal/log"
	"github.com/mhmohamad1380/DJ-Chat/internal/mw"
	"github.com/mhmohamad1380/DJ-Chat/internal/presence"
	"github.com/mhmohamad1380/DJ-Chat/internal/server"
	"github.com/mhmohamad1380/DJ-Chat/internal/ws"

	"github.com/go-redis/redis"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库与 Redis 并启动 Gin 服务。
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  cfg.RedisTimeout,
		ReadTimeout:  cfg.RedisTimeout,
		WriteTimeout: cfg.RedisTimeout,
	})
	defer rdb.Close()
	if err := rdb.Ping().Err(); err != nil {
		// 在线状态与跨节点广播会降级，聊天本身仍然可用
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable at startup")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := ws.NewHub()
	var bus ws.Broadcaster = hub
	if cfg.BroadcastBackend == "redis" {
		relay := ws.NewRedisRelay(hub, rdb)
		bus = relay
		go func() {
			for ctx.Err() == nil {
				if err := relay.Run(ctx, nil); err != nil {
					log.Error().Err(err).Msg("broadcast relay stopped, retrying")
				}
				time.Sleep(time.Second)
			}
		}()
	}

	limiter := mw.NewRateLimiter(rate.Every(time.Second/20), 40, 2*time.Minute).Start()
	defer limiter.Stop()

	r := server.SetupRouter(server.Deps{
		Config:  cfg,
		DB:      gdb,
		Redis:   rdb,
		Bus:     bus,
		Online:  hub,
		Tracker: presence.NewTracker(rdb, cfg.PresenceTTL, cfg.HeartbeatInterval),
		Limiter: limiter,
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("port", cfg.Port).Str("broadcast", cfg.BroadcastBackend).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
}

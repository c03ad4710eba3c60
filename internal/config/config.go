package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	LogLevel              string
	AccessTokenTTLMinutes int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTimeout  time.Duration

	// BroadcastBackend 取值 redis（多节点）或 memory（单进程）。
	BroadcastBackend  string
	PresenceTTL       time.Duration
	HeartbeatInterval time.Duration

	MaxRoomsPerUser int
	AllowedOrigins  []string
}

var defaults = map[string]any{
	"APP_PORT":                   "8080",
	"DATABASE_DSN":               "host=localhost user=postgres password=postgres dbname=chat port=5432 sslmode=disable TimeZone=UTC",
	"JWT_SECRET":                 defaultJWTSecret,
	"APP_ENV":                    "dev",
	"LOG_LEVEL":                  "info",
	"ACCESS_TOKEN_TTL_MINUTES":   60,
	"REDIS_ADDR":                 "localhost:6379",
	"REDIS_PASSWORD":             "",
	"REDIS_DB":                   0,
	"REDIS_TIMEOUT_MS":           500,
	"BROADCAST_BACKEND":          "redis",
	"PRESENCE_TTL_SECONDS":       60,
	"PRESENCE_HEARTBEAT_SECONDS": 20,
	"MAX_ROOMS_PER_USER":         5,
	"ALLOWED_ORIGINS":            "",
}

// Load 从环境变量（以及可选的 chat.yaml）读取配置，非法数值回退到默认值。
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("chat")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	cfg := Config{
		Port:                  v.GetString("APP_PORT"),
		DatabaseDSN:           v.GetString("DATABASE_DSN"),
		JWTSecret:             v.GetString("JWT_SECRET"),
		Env:                   v.GetString("APP_ENV"),
		LogLevel:              v.GetString("LOG_LEVEL"),
		AccessTokenTTLMinutes: positive(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), 60),
		RedisAddr:             v.GetString("REDIS_ADDR"),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               v.GetInt("REDIS_DB"),
		RedisTimeout:          time.Duration(positive(v.GetInt("REDIS_TIMEOUT_MS"), 500)) * time.Millisecond,
		BroadcastBackend:      strings.ToLower(v.GetString("BROADCAST_BACKEND")),
		PresenceTTL:           time.Duration(positive(v.GetInt("PRESENCE_TTL_SECONDS"), 60)) * time.Second,
		HeartbeatInterval:     time.Duration(positive(v.GetInt("PRESENCE_HEARTBEAT_SECONDS"), 20)) * time.Second,
		MaxRoomsPerUser:       positive(v.GetInt("MAX_ROOMS_PER_USER"), 5),
		AllowedOrigins:        splitList(v.GetString("ALLOWED_ORIGINS")),
	}
	return cfg, nil
}

// Validate 拒绝无法安全启动的配置。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be changed outside dev")
	}
	switch cfg.BroadcastBackend {
	case "redis", "memory", "":
	default:
		return errors.New("BROADCAST_BACKEND must be redis or memory")
	}
	// 至少容忍一次心跳丢失
	if cfg.HeartbeatInterval <= 0 || cfg.PresenceTTL < 3*cfg.HeartbeatInterval {
		return errors.New("PRESENCE_TTL_SECONDS must be at least 3x PRESENCE_HEARTBEAT_SECONDS")
	}
	return nil
}

func positive(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

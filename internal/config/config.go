// Package config は環境変数ベースのアプリケーション設定を提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Engine
	EngineURL     string
	EngineToken   string
	EngineTimeout time.Duration

	// Adapter
	AdapterToken string

	// Lifecycle
	SessionTTL time.Duration
	InviteTTL  time.Duration

	// Delivery
	DeliverInterval      time.Duration
	DeliverTimeout       time.Duration
	DeliverMaxConcurrent int
	DeliverMaxSize       int64

	// Cleanup
	InviteRetention   time.Duration
	OutboundRetention time.Duration

	// Rate Limit（req/min単位）
	RateLimitGeneral int
	RateLimitMessage int

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.EngineURL = os.Getenv("ENGINE_URL")
	if cfg.EngineURL == "" {
		missing = append(missing, "ENGINE_URL")
	}

	cfg.AdapterToken = os.Getenv("ADAPTER_TOKEN")
	if cfg.AdapterToken == "" {
		missing = append(missing, "ADAPTER_TOKEN")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.EngineToken = getEnvString("ENGINE_TOKEN", "")
	cfg.EngineTimeout = getEnvDuration("ENGINE_TIMEOUT", 30*time.Second)
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", 24*time.Hour)
	cfg.InviteTTL = getEnvDuration("INVITE_TTL", time.Hour)
	cfg.DeliverInterval = getEnvDuration("DELIVER_INTERVAL", 5*time.Second)
	cfg.DeliverTimeout = getEnvDuration("DELIVER_TIMEOUT", 10*time.Second)
	cfg.DeliverMaxConcurrent = getEnvInt("DELIVER_MAX_CONCURRENT", 10)
	cfg.DeliverMaxSize = getEnvInt64("DELIVER_MAX_SIZE", 1048576)
	cfg.InviteRetention = getEnvDuration("CLEANUP_INVITE_RETENTION", 30*24*time.Hour)
	cfg.OutboundRetention = getEnvDuration("CLEANUP_OUTBOUND_RETENTION", 14*24*time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 240)
	cfg.RateLimitMessage = getEnvInt("RATE_LIMIT_MESSAGE", 60)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

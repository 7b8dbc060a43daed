// Package config 配置
package config

import (
	"errors"
	"strconv"
	"time"

	pkgconfig "github.com/hypha-dao/hypha-web-sub000/pkg/config"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int

	// PostgreSQL
	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Redis
	RedisAddr     string
	RedisPassword string

	// Ledger
	LedgerWSURL         string
	SpaceFactoryAddr    string
	ProposalsAddr       string
	TokenFactoryAddr    string
	SignerAddr          string
	ConfirmTimeout      time.Duration
	ReceiptPollInterval time.Duration
	TokenWatchTimeout   time.Duration

	// Uploads
	UploadEndpoint string
	UploadToken    string

	// Resolver
	ResolveMaxAttempts  int
	ResolvePollInterval time.Duration
	ResolvePollWindow   time.Duration
	ResolveRetryDelay   time.Duration
	SpaceCacheTTL       time.Duration

	// Watcher
	EventChannel    string
	DedupTTL        time.Duration
	SystemCreatorID int64

	NodeID int64
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: pkgconfig.GetEnv("SERVICE_NAME", "hypha-orchestrator"),
		HTTPPort:    pkgconfig.GetEnvInt("HTTP_PORT", 8090),

		DBHost:            pkgconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:            pkgconfig.GetEnvInt("DB_PORT", 5432),
		DBUser:            pkgconfig.GetEnv("DB_USER", "hypha"),
		DBPassword:        pkgconfig.GetEnv("DB_PASSWORD", "hypha123"),
		DBName:            pkgconfig.GetEnv("DB_NAME", "hypha"),
		DBMaxOpenConns:    pkgconfig.GetEnvInt("DB_MAX_OPEN_CONNS", 20),
		DBMaxIdleConns:    pkgconfig.GetEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: pkgconfig.GetEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),

		RedisAddr:     pkgconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: pkgconfig.GetEnv("REDIS_PASSWORD", ""),

		LedgerWSURL:         pkgconfig.GetEnv("LEDGER_WS_URL", "ws://localhost:8545"),
		SpaceFactoryAddr:    pkgconfig.GetEnv("SPACE_FACTORY_ADDR", ""),
		ProposalsAddr:       pkgconfig.GetEnv("PROPOSALS_ADDR", ""),
		TokenFactoryAddr:    pkgconfig.GetEnv("TOKEN_FACTORY_ADDR", ""),
		SignerAddr:          pkgconfig.GetEnv("SIGNER_ADDR", ""),
		ConfirmTimeout:      pkgconfig.GetEnvDuration("CONFIRM_TIMEOUT", 2*time.Minute),
		ReceiptPollInterval: pkgconfig.GetEnvDuration("RECEIPT_POLL_INTERVAL", 2*time.Second),
		TokenWatchTimeout:   pkgconfig.GetEnvDuration("TOKEN_WATCH_TIMEOUT", 30*time.Second),

		UploadEndpoint: pkgconfig.GetEnv("UPLOAD_ENDPOINT", "http://localhost:8091/upload"),
		UploadToken:    pkgconfig.GetEnv("UPLOAD_TOKEN", ""),

		ResolveMaxAttempts:  pkgconfig.GetEnvInt("RESOLVE_MAX_ATTEMPTS", 3),
		ResolvePollInterval: pkgconfig.GetEnvDuration("RESOLVE_POLL_INTERVAL", 500*time.Millisecond),
		ResolvePollWindow:   pkgconfig.GetEnvDuration("RESOLVE_POLL_WINDOW", 3*time.Second),
		ResolveRetryDelay:   pkgconfig.GetEnvDuration("RESOLVE_RETRY_DELAY", time.Second),
		SpaceCacheTTL:       pkgconfig.GetEnvDuration("SPACE_CACHE_TTL", 5*time.Minute),

		EventChannel:    pkgconfig.GetEnv("EVENT_CHANNEL", "hypha:governance:events"),
		DedupTTL:        pkgconfig.GetEnvDuration("DEDUP_TTL", 24*time.Hour),
		SystemCreatorID: pkgconfig.GetEnvInt64("SYSTEM_CREATOR_ID", 1),

		NodeID: pkgconfig.GetEnvInt64("NODE_ID", 1),
	}
}

// Validate 校验必填项
func (c *Config) Validate() error {
	if c.SpaceFactoryAddr == "" || c.ProposalsAddr == "" || c.TokenFactoryAddr == "" {
		return errors.New("governance contract addresses are required")
	}
	if c.LedgerWSURL == "" {
		return errors.New("ledger websocket url is required")
	}
	return nil
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}

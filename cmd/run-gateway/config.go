package main

import (
	"fmt"
	"os"
	"time"

	"runbox/internal/common/cache"
	"runbox/internal/common/db"
	"runbox/internal/common/mq"
	"runbox/internal/common/storage"
	"runbox/internal/run/events"
	"runbox/internal/run/service"
	"runbox/internal/run/snapshot"
	"runbox/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultStreamMaxLen    = 1000
	defaultTimeLimit       = 5 * time.Second
	defaultMaxTimeLimit    = 60 * time.Second
	defaultRunCacheTTL     = 30 * time.Minute
	defaultRunEmptyTTL     = 30 * time.Second
)

// ServerConfig holds HTTP server settings. Websocket streams set their own per-frame deadlines.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// AuthConfig enables bearer token checks when Secret is set.
type AuthConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// QueueConfig holds job stream settings.
type QueueConfig struct {
	Stream     string `yaml:"stream"`
	MaxLen     int64  `yaml:"maxLen"`
	ApproxTrim bool   `yaml:"approxTrim"`
}

// SnapshotConfig selects where snapshots are kept.
type SnapshotConfig struct {
	KeyPrefix string        `yaml:"keyPrefix"`
	TTL       time.Duration `yaml:"ttl"`
	// LargeThreshold spills blobs above this many bytes to MinIO when minio is configured.
	LargeThreshold int    `yaml:"largeThreshold"`
	Bucket         string `yaml:"bucket"`
	ObjectPrefix   string `yaml:"objectPrefix"`
}

// RunConfig holds run admission settings.
type RunConfig struct {
	DefaultTimeLimit time.Duration `yaml:"defaultTimeLimit"`
	MaxTimeLimit     time.Duration `yaml:"maxTimeLimit"`
	CacheTTL         time.Duration `yaml:"cacheTTL"`
	CacheEmptyTTL    time.Duration `yaml:"cacheEmptyTTL"`
}

// EventConfig names the pub/sub channels.
type EventConfig struct {
	ChannelPrefix string `yaml:"channelPrefix"`
	KillChannel   string `yaml:"killChannel"`
}

// AppConfig holds run-gateway configuration.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	Logger   logger.Config       `yaml:"logger"`
	Auth     AuthConfig          `yaml:"auth"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	Database db.Config           `yaml:"database"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Queue    QueueConfig         `yaml:"queue"`
	Snapshot SnapshotConfig      `yaml:"snapshot"`
	Run      RunConfig           `yaml:"run"`
	Events   EventConfig         `yaml:"events"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	cfg := AppConfig{Redis: *cache.DefaultRedisConfig(), Database: db.DefaultConfig()}
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	if cfg.Queue.Stream == "" {
		cfg.Queue.Stream = service.DefaultStream
	}
	if cfg.Queue.MaxLen == 0 {
		cfg.Queue.MaxLen = defaultStreamMaxLen
	}
	if cfg.Snapshot.KeyPrefix == "" {
		cfg.Snapshot.KeyPrefix = snapshot.DefaultKeyPrefix
	}
	if cfg.Snapshot.TTL == 0 {
		cfg.Snapshot.TTL = snapshot.DefaultTTL
	}
	if cfg.Snapshot.Bucket == "" {
		cfg.Snapshot.Bucket = cfg.MinIO.Bucket
	}

	if cfg.Run.DefaultTimeLimit == 0 {
		cfg.Run.DefaultTimeLimit = defaultTimeLimit
	}
	if cfg.Run.MaxTimeLimit == 0 {
		cfg.Run.MaxTimeLimit = defaultMaxTimeLimit
	}
	if cfg.Run.CacheTTL == 0 {
		cfg.Run.CacheTTL = defaultRunCacheTTL
	}
	if cfg.Run.CacheEmptyTTL == 0 {
		cfg.Run.CacheEmptyTTL = defaultRunEmptyTTL
	}

	if cfg.Events.ChannelPrefix == "" {
		cfg.Events.ChannelPrefix = events.DefaultChannelPrefix
	}
	if cfg.Events.KillChannel == "" {
		cfg.Events.KillChannel = events.DefaultKillChannel
	}
	return &cfg, nil
}

func (c QueueConfig) toStreamConfig() mq.RedisStreamConfig {
	return mq.RedisStreamConfig{MaxLen: c.MaxLen, ApproxTrim: c.ApproxTrim}
}

func (c *AppConfig) minioEnabled() bool {
	return c.MinIO.Endpoint != ""
}

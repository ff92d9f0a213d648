package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"runbox/internal/common/cache"
	"runbox/internal/common/db"
	"runbox/internal/common/mq"
	"runbox/internal/common/storage"
	"runbox/internal/run/events"
	"runbox/internal/run/repository"
	"runbox/internal/run/sandbox"
	"runbox/internal/run/sandbox/engine"
	"runbox/internal/run/snapshot"
	"runbox/internal/run/worker"
	"runbox/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultStreamMaxLen  = 1000
	defaultRunCacheTTL   = 30 * time.Minute
	defaultRunEmptyTTL   = 30 * time.Second
	defaultOutputMaxMB   = 1
	defaultPIDs          = 64
	defaultMemoryMB      = 512
	defaultStackMB       = 64
	defaultKillGrace     = time.Second
	defaultMaxDeliveries = 5
	defaultBlock         = 5 * time.Second
)

// WorkerConfig holds consumer group settings.
type WorkerConfig struct {
	Stream            string        `yaml:"stream"`
	Group             string        `yaml:"group"`
	Consumer          string        `yaml:"consumer"`
	Block             time.Duration `yaml:"block"`
	MaxLen            int64         `yaml:"maxLen"`
	ReclaimInterval   time.Duration `yaml:"reclaimInterval"`
	ReclaimMinIdle    time.Duration `yaml:"reclaimMinIdle"`
	ReclaimBatch      int64         `yaml:"reclaimBatch"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	MaxDeliveries     int64         `yaml:"maxDeliveries"`
	PersistTimeout    time.Duration `yaml:"persistTimeout"`
	// MaxTimeLimit caps job time limits; keep it equal to the gateway's run.maxTimeLimit.
	MaxTimeLimit time.Duration `yaml:"maxTimeLimit"`
}

// SandboxConfig holds executor and engine settings.
type SandboxConfig struct {
	WorkRoot         string            `yaml:"workRoot"`
	HelperPath       string            `yaml:"helperPath"`
	CgroupRoot       string            `yaml:"cgroupRoot"`
	SeccompProfile   string            `yaml:"seccompProfile"`
	EnableCgroup     bool              `yaml:"enableCgroup"`
	EnableNamespaces bool              `yaml:"enableNamespaces"`
	EnableSeccomp    bool              `yaml:"enableSeccomp"`
	DisableNetwork   bool              `yaml:"disableNetwork"`
	KillGrace        time.Duration     `yaml:"killGrace"`
	Limits           LimitConfig       `yaml:"limits"`
	Runtimes         []sandbox.Runtime `yaml:"runtimes"`
}

// LimitConfig holds per-run resource ceilings.
type LimitConfig struct {
	CPUTimeMs int64 `yaml:"cpuTimeMs"`
	MemoryMB  int64 `yaml:"memoryMB"`
	StackMB   int64 `yaml:"stackMB"`
	OutputMB  int64 `yaml:"outputMB"`
	PIDs      int64 `yaml:"pids"`
}

// SnapshotConfig points at the stores the gateway writes to.
type SnapshotConfig struct {
	KeyPrefix    string        `yaml:"keyPrefix"`
	TTL          time.Duration `yaml:"ttl"`
	Bucket       string        `yaml:"bucket"`
	ObjectPrefix string        `yaml:"objectPrefix"`
}

// NotifyConfig enables completion events on Kafka when brokers are set.
type NotifyConfig struct {
	Kafka mq.KafkaConfig `yaml:"kafka"`
	Topic string         `yaml:"topic"`
}

// EventConfig names the pub/sub channels.
type EventConfig struct {
	ChannelPrefix string `yaml:"channelPrefix"`
	KillChannel   string `yaml:"killChannel"`
}

// AppConfig holds run-worker configuration.
type AppConfig struct {
	Logger   logger.Config       `yaml:"logger"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	Database db.Config           `yaml:"database"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Worker   WorkerConfig        `yaml:"worker"`
	Sandbox  SandboxConfig       `yaml:"sandbox"`
	Snapshot SnapshotConfig      `yaml:"snapshot"`
	Notify   NotifyConfig        `yaml:"notify"`
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
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	if cfg.Worker.Stream == "" {
		cfg.Worker.Stream = worker.DefaultStream
	}
	if cfg.Worker.Group == "" {
		cfg.Worker.Group = worker.DefaultGroup
	}
	if cfg.Worker.MaxLen == 0 {
		cfg.Worker.MaxLen = defaultStreamMaxLen
	}
	if cfg.Worker.MaxDeliveries == 0 {
		cfg.Worker.MaxDeliveries = defaultMaxDeliveries
	}
	if cfg.Worker.Block == 0 {
		cfg.Worker.Block = defaultBlock
	}

	if cfg.Sandbox.WorkRoot == "" {
		cfg.Sandbox.WorkRoot = filepath.Join(os.TempDir(), "runbox")
	}
	if cfg.Sandbox.KillGrace == 0 {
		cfg.Sandbox.KillGrace = defaultKillGrace
	}
	if cfg.Sandbox.Limits.OutputMB == 0 {
		cfg.Sandbox.Limits.OutputMB = defaultOutputMaxMB
	}
	if cfg.Sandbox.Limits.PIDs == 0 {
		cfg.Sandbox.Limits.PIDs = defaultPIDs
	}
	if cfg.Sandbox.Limits.MemoryMB == 0 {
		cfg.Sandbox.Limits.MemoryMB = defaultMemoryMB
	}
	if cfg.Sandbox.Limits.StackMB == 0 {
		cfg.Sandbox.Limits.StackMB = defaultStackMB
	}
	if len(cfg.Sandbox.Runtimes) == 0 {
		cfg.Sandbox.Runtimes = sandbox.DefaultRuntimes()
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
	if cfg.Notify.Topic == "" {
		cfg.Notify.Topic = repository.DefaultCompletedTopic
	}
	if cfg.Events.ChannelPrefix == "" {
		cfg.Events.ChannelPrefix = events.DefaultChannelPrefix
	}
	if cfg.Events.KillChannel == "" {
		cfg.Events.KillChannel = events.DefaultKillChannel
	}
	return &cfg, nil
}

func (c LimitConfig) toResourceLimit() engine.ResourceLimit {
	return engine.ResourceLimit{
		CPUTimeMs: c.CPUTimeMs,
		MemoryMB:  c.MemoryMB,
		StackMB:   c.StackMB,
		OutputMB:  c.OutputMB,
		PIDs:      c.PIDs,
	}
}

func (c SandboxConfig) toEngineConfig() engine.Config {
	return engine.Config{
		HelperPath:       c.HelperPath,
		CgroupRoot:       c.CgroupRoot,
		SeccompProfile:   c.SeccompProfile,
		OutputMaxBytes:   c.Limits.OutputMB << 20,
		EnableCgroup:     c.EnableCgroup,
		EnableNamespaces: c.EnableNamespaces,
		EnableSeccomp:    c.EnableSeccomp,
		DisableNetwork:   c.DisableNetwork,
		KillGrace:        c.KillGrace,
	}
}

func (c WorkerConfig) toWorkerConfig(killGrace time.Duration) worker.Config {
	return worker.Config{
		Stream:            c.Stream,
		Group:             c.Group,
		Consumer:          c.Consumer,
		Block:             c.Block,
		ReclaimInterval:   c.ReclaimInterval,
		ReclaimMinIdle:    c.ReclaimMinIdle,
		ReclaimBatch:      c.ReclaimBatch,
		HeartbeatInterval: c.HeartbeatInterval,
		MaxDeliveries:     c.MaxDeliveries,
		PersistTimeout:    c.PersistTimeout,
		MaxTimeLimit:      c.MaxTimeLimit,
		KillGrace:         killGrace,
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"runbox/internal/common/cache"
	"runbox/internal/common/db"
	"runbox/internal/common/mq"
	"runbox/internal/common/pubsub"
	"runbox/internal/common/storage"
	"runbox/internal/run/events"
	"runbox/internal/run/repository"
	"runbox/internal/run/sandbox"
	"runbox/internal/run/sandbox/engine"
	"runbox/internal/run/snapshot"
	"runbox/internal/run/worker"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultConfigPath = "configs/run_worker.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "run worker stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database failed: %w", err)
	}
	defer func() {
		_ = database.Close()
	}()

	redisClient, err := cache.NewRedisClient(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis failed: %w", err)
	}
	defer func() {
		_ = redisClient.Close()
	}()
	redisCache, err := cache.NewRedisCacheWithClient(redisClient)
	if err != nil {
		return err
	}
	queue, err := mq.NewRedisStreamQueue(redisClient, mq.RedisStreamConfig{MaxLen: appCfg.Worker.MaxLen})
	if err != nil {
		return err
	}
	ps, err := pubsub.NewRedisPubSub(redisClient)
	if err != nil {
		return err
	}
	broadcaster, err := events.NewBroadcaster(ps, appCfg.Events.ChannelPrefix)
	if err != nil {
		return err
	}
	kills, err := events.NewKillBus(ps, appCfg.Events.KillChannel)
	if err != nil {
		return err
	}

	snapshots, err := buildSnapshotStore(appCfg, redisCache)
	if err != nil {
		return err
	}

	var runs repository.RunRepository = repository.NewRunRepositoryWithTTL(database, redisCache, defaultRunCacheTTL, defaultRunEmptyTTL)
	if len(appCfg.Notify.Kafka.Brokers) > 0 {
		producer, err := mq.NewKafkaProducer(appCfg.Notify.Kafka)
		if err != nil {
			return fmt.Errorf("init kafka producer failed: %w", err)
		}
		defer func() {
			_ = producer.Close()
		}()
		runs = repository.NewNotifyingRunRepository(runs, producer, appCfg.Notify.Topic)
	}

	eng, err := engine.NewEngine(appCfg.Sandbox.toEngineConfig())
	if err != nil {
		return fmt.Errorf("init sandbox engine failed: %w", err)
	}
	registry, err := sandbox.NewRegistry(appCfg.Sandbox.Runtimes...)
	if err != nil {
		return fmt.Errorf("init runtime registry failed: %w", err)
	}
	if err := os.MkdirAll(appCfg.Sandbox.WorkRoot, 0o755); err != nil {
		return fmt.Errorf("create work root failed: %w", err)
	}
	executor, err := sandbox.NewExecutor(eng, registry, sandbox.Config{
		WorkRoot: appCfg.Sandbox.WorkRoot,
		Limits:   appCfg.Sandbox.Limits.toResourceLimit(),
	})
	if err != nil {
		return err
	}

	w, err := worker.New(worker.Deps{
		Queue:     queue,
		Snapshots: snapshots,
		Executor:  executor,
		Runs:      runs,
		Events:    broadcaster,
		Kills:     kills,
	}, appCfg.Worker.toWorkerConfig(appCfg.Sandbox.KillGrace))
	if err != nil {
		return fmt.Errorf("init worker failed: %w", err)
	}
	return w.Run(ctx)
}

// buildSnapshotStore can read every reference the gateway may hand out.
func buildSnapshotStore(appCfg *AppConfig, redisCache cache.Cache) (snapshot.Store, error) {
	primary, err := snapshot.NewRedisStore(redisCache, appCfg.Snapshot.KeyPrefix, appCfg.Snapshot.TTL)
	if err != nil {
		return nil, err
	}
	if appCfg.MinIO.Endpoint == "" {
		return primary, nil
	}
	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		return nil, fmt.Errorf("init minio failed: %w", err)
	}
	large, err := snapshot.NewObjectStore(objStorage, appCfg.Snapshot.Bucket, appCfg.Snapshot.ObjectPrefix, appCfg.Snapshot.TTL)
	if err != nil {
		return nil, err
	}
	return snapshot.NewTiered(primary, large, 0)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"runbox/internal/common/cache"
	"runbox/internal/common/db"
	commonmw "runbox/internal/common/http/middleware"
	"runbox/internal/common/mq"
	"runbox/internal/common/pubsub"
	"runbox/internal/common/storage"
	"runbox/internal/run/controller"
	"runbox/internal/run/events"
	"runbox/internal/run/repository"
	"runbox/internal/run/service"
	"runbox/internal/run/snapshot"
	"runbox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/run_gateway.yaml"

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
		logger.Error(context.Background(), "run gateway stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

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
	queue, err := mq.NewRedisStreamQueue(redisClient, appCfg.Queue.toStreamConfig())
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

	snapshots, err := buildSnapshotStore(ctx, appCfg, redisCache)
	if err != nil {
		return err
	}

	runRepo := repository.NewRunRepositoryWithTTL(database, redisCache, appCfg.Run.CacheTTL, appCfg.Run.CacheEmptyTTL)
	fileRepo := repository.NewFileRepository(database)

	submitter, err := service.NewSubmitService(queue, snapshots, appCfg.Queue.Stream)
	if err != nil {
		return err
	}
	runService, err := service.NewRunService(service.Config{
		Runs:             runRepo,
		Files:            fileRepo,
		Submitter:        submitter,
		Kills:            kills,
		DefaultTimeLimit: appCfg.Run.DefaultTimeLimit,
		MaxTimeLimit:     appCfg.Run.MaxTimeLimit,
	})
	if err != nil {
		return fmt.Errorf("init run service failed: %w", err)
	}

	var verifier *commonmw.TokenVerifier
	if appCfg.Auth.Secret != "" {
		verifier = commonmw.NewTokenVerifier(appCfg.Auth.Secret, appCfg.Auth.Issuer)
	} else {
		logger.Warn(ctx, "auth secret not configured, api is unauthenticated")
	}

	httpServer := buildHTTPServer(appCfg.Server, verifier, runService, broadcaster, map[string]controller.Pinger{
		"redis":    redisCache,
		"database": database,
	})
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "run gateway started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server stopped: %w", err)
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	return nil
}

func buildSnapshotStore(ctx context.Context, appCfg *AppConfig, redisCache cache.Cache) (snapshot.Store, error) {
	primary, err := snapshot.NewRedisStore(redisCache, appCfg.Snapshot.KeyPrefix, appCfg.Snapshot.TTL)
	if err != nil {
		return nil, err
	}
	if !appCfg.minioEnabled() {
		return primary, nil
	}
	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		return nil, fmt.Errorf("init minio failed: %w", err)
	}
	if err := objStorage.EnsureBucket(ctx, appCfg.Snapshot.Bucket); err != nil {
		return nil, fmt.Errorf("ensure snapshot bucket failed: %w", err)
	}
	large, err := snapshot.NewObjectStore(objStorage, appCfg.Snapshot.Bucket, appCfg.Snapshot.ObjectPrefix, appCfg.Snapshot.TTL)
	if err != nil {
		return nil, err
	}
	return snapshot.NewTiered(primary, large, appCfg.Snapshot.LargeThreshold)
}

func buildHTTPServer(cfg ServerConfig, verifier *commonmw.TokenVerifier, runService *service.RunService, broadcaster *events.Broadcaster, deps map[string]controller.Pinger) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContext())
	router.Use(requestLogger())

	router.GET("/healthz", controller.Health(deps))

	api := router.Group("/api/v1")
	api.Use(commonmw.Auth(verifier))
	controller.NewRunController(runService).Register(api)
	controller.NewRelayController(broadcaster, controller.RelayConfig{}).Register(api)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/faceguard/internal/auth"
	"github.com/example/faceguard/internal/config"
	"github.com/example/faceguard/internal/grpcclient"
	"github.com/example/faceguard/internal/handlers"
	"github.com/example/faceguard/internal/imageprocessor"
	"github.com/example/faceguard/internal/liveness"
	"github.com/example/faceguard/internal/repository"
	"github.com/example/faceguard/internal/store"
	"github.com/example/faceguard/internal/usecase"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	identities := openStore(cfg, logger)
	defer func() {
		if err := identities.Close(); err != nil {
			logger.Error("failed to flush embedding store", zap.Error(err))
		}
	}()

	startupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	components, closeInference := initInference(startupCtx, cfg, logger)
	defer closeInference()

	var repo usecase.AttemptRepository
	if cfg.DatabaseDSN != "" {
		db, err := initDatabase(startupCtx, cfg.DatabaseDSN, logger)
		if err != nil {
			return err
		}
		attempts := repository.NewAttemptRepository(db, logger)
		if err := attempts.AutoMigrate(startupCtx); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		repo = attempts
	} else {
		logger.Info("DATABASE_DSN not set, attempt audit log disabled")
	}

	var cache usecase.Cache
	if cfg.Redis.Addr != "" {
		client, err := initRedis(startupCtx, cfg.Redis.Addr, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		cache = usecase.NewRedisCache(client)
	} else {
		logger.Info("REDIS_ADDR not set, result cache disabled")
	}

	uc := usecase.NewIdentityUseCase(identities, components, repo, cache, usecase.Options{
		MatchThreshold: cfg.MatchThreshold,
		ContextMargin:  cfg.Liveness.ContextMargin,
		StageTimeout:   cfg.Inference.Timeout,
		AutoFlush:      cfg.Store.AutoFlush,
		ResultTTL:      cfg.Redis.ResultTTL,
	}, logger)

	router := gin.New()
	router.Use(gin.Recovery(), handlers.RequestLogger(logger))

	var adminMiddleware gin.HandlerFunc
	if cfg.JWT.Secret != "" {
		adminMiddleware = auth.JWTMiddleware(cfg.JWT.Secret, cfg.JWT.Audience)
	} else {
		logger.Info("JWT_SECRET not set, admin routes disabled")
	}
	handlers.RegisterRoutes(router, uc, logger, adminMiddleware)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("faceguard API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.Int("identities", identities.Len()),
		zap.Any("capabilities", uc.Capabilities()))
	return serveHTTPServer(server, cfg.ShutdownTimeout, logger)
}

// openStore always returns a usable store. A corrupt file is reported and
// replaced by an empty store on the next save.
func openStore(cfg *config.Config, logger *zap.Logger) *store.Store {
	identities, err := store.Open(cfg.Store.Path, newRand(cfg.Store.Seed), logger)
	if err != nil {
		logger.Error("embedding store could not be loaded, starting empty", zap.Error(err))
	}
	return identities
}

func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(seed, seed))
}

// initInference connects to the model sidecar and enables the capabilities it
// reports. Missing models leave the matching component nil so requests fail
// fast instead of the process refusing to start.
func initInference(ctx context.Context, cfg *config.Config, logger *zap.Logger) (usecase.Components, func()) {
	components := usecase.Components{
		Decoder: imageprocessor.NewImageDecoder(cfg.Image.MaxBytes, cfg.Image.MaxPixels),
	}

	var sink liveness.Sink
	var fileSink *liveness.FileSink
	if cfg.Liveness.DebugPath != "" {
		fileSink = liveness.NewFileSink(cfg.Liveness.DebugPath, logger)
		sink = fileSink
	}
	closeAll := func() {
		if fileSink != nil {
			fileSink.Wait()
		}
	}

	client, err := grpcclient.DialInference(ctx, cfg.Inference.Addr, cfg.Inference.Timeout, logger)
	if err != nil {
		logger.Warn("inference sidecar unreachable, running degraded", zap.String("addr", cfg.Inference.Addr), zap.Error(err))
		return components, closeAll
	}
	closeAll = func() {
		if fileSink != nil {
			fileSink.Wait()
		}
		if err := client.Close(); err != nil {
			logger.Warn("failed to close inference connection", zap.Error(err))
		}
	}

	models, err := client.Probe(ctx)
	if err != nil {
		logger.Warn("model probe failed, running degraded", zap.Error(err))
		return components, closeAll
	}
	for capability, info := range models {
		logger.Info("model available",
			zap.String("capability", string(capability)),
			zap.String("model", info.Model),
			zap.Int("input_width", info.InputWidth),
			zap.Int("input_height", info.InputHeight))
	}

	if _, ok := models[grpcclient.CapabilityDetect]; ok {
		components.Detector = client
	} else {
		logger.Warn("face detector unavailable")
	}
	if _, ok := models[grpcclient.CapabilityEmbed]; ok {
		components.Embedder = client
	} else {
		logger.Warn("embedder unavailable")
	}

	switch cfg.Liveness.Backend {
	case liveness.BackendClassifier:
		if _, ok := models[grpcclient.CapabilitySpoof]; ok {
			components.Liveness = liveness.NewScoreClassifier(client, cfg.Liveness.ScoreThreshold, cfg.Liveness.ContextMargin, logger)
		} else {
			logger.Warn("spoof classifier unavailable")
		}
	default:
		if _, ok := models[grpcclient.CapabilityDepth]; ok {
			components.Liveness = liveness.NewDepthClassifier(client, cfg.Liveness.FlatThreshold, sink, logger)
		} else {
			logger.Warn("depth estimator unavailable")
		}
	}

	return components, closeAll
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Error("failed to connect to database", zap.Error(err))
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Error("failed to access db handle", zap.Error(err))
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Error("database ping failed", zap.Error(err))
		return nil, err
	}

	return db, nil
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Error("redis connection failed", zap.Error(err))
		client.Close()
		return nil, err
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

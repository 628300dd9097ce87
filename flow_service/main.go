package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/boku-engineer/changeflow/config"
	"github.com/boku-engineer/changeflow/internal/models"
	"github.com/boku-engineer/changeflow/internal/server"
	"github.com/boku-engineer/changeflow/internal/storage"
	"github.com/boku-engineer/changeflow/internal/workflow"
	migrations "github.com/boku-engineer/changeflow/pkg/migration"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	cfg, err := config.NewConfig(logger)
	if err != nil {
		logger.Fatal("error creating config", zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	st, cleanup, err := newStorage(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := st.Ping(ctx); err != nil {
		cancel()
		return fmt.Errorf("storage ping: %w", err)
	}
	if err := seedProtection(ctx, st, cfg.Mainline); err != nil {
		cancel()
		return fmt.Errorf("seed branch protection: %w", err)
	}
	cancel()

	engine := workflow.NewEngine(st, logger)
	srv := &http.Server{
		Addr:    cfg.HTTPPort,
		Handler: server.New(engine, st, logger).Router(),
	}

	go func() {
		logger.Info("starting server",
			zap.String("port", cfg.HTTPPort),
			zap.String("driver", cfg.StorageDriver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
		return err
	}
	logger.Info("server exited")
	return nil
}

// seedProtection points the branch protection at MAINLINE_BRANCH on first
// start. A store with no explicit protection reports the compiled-in
// defaults, so anything else means an operator already configured it and the
// stored settings win.
func seedProtection(ctx context.Context, st storage.Storage, mainline string) error {
	current, err := st.GetBranchProtection(ctx)
	if err != nil {
		return err
	}
	if mainline == "" || current.Mainline == mainline {
		return nil
	}
	defaults := models.DefaultBranchProtection()
	if current.Mainline != defaults.Mainline ||
		current.RequireReview != defaults.RequireReview ||
		current.EnforceAdmins != defaults.EnforceAdmins ||
		current.AllowForcePush != defaults.AllowForcePush ||
		current.AllowDeletion != defaults.AllowDeletion ||
		!slices.Equal(current.RequiredChecks, defaults.RequiredChecks) {
		return nil
	}
	current.Mainline = mainline
	return st.PutBranchProtection(ctx, current)
}

// newStorage builds the storage backend named by the config. The returned
// cleanup releases any held connections.
func newStorage(cfg config.Config, logger *zap.Logger) (storage.Storage, func(), error) {
	switch cfg.StorageDriver {
	case config.DriverMemory:
		return storage.NewInMemoryStorage(), func() {}, nil

	case config.DriverRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		objects := newObjectStore(cfg)
		return storage.NewRedisStorage(rdb, objects, cfg.RedisKeyPrefix), func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("redis close", zap.Error(err))
			}
		}, nil

	case config.DriverPostgres:
		db, err := sql.Open("pgx", cfg.PgConnStr)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := migrations.Migrate(db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		return storage.NewPostgresStorage(db), func() {
			if err := db.Close(); err != nil {
				logger.Warn("postgres close", zap.Error(err))
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// newObjectStore picks the durable snapshot backend for the redis driver:
// S3 when a bucket is configured, otherwise process memory.
func newObjectStore(cfg config.Config) storage.ObjectStore {
	if cfg.S3Bucket == "" {
		return storage.NewInMemoryObjectStore()
	}
	opts := s3.Options{Region: cfg.S3Region}
	if cfg.S3Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.S3Endpoint)
		opts.UsePathStyle = true
	}
	if cfg.S3Key != "" {
		opts.Credentials = aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     cfg.S3Key,
				SecretAccessKey: cfg.S3Secret,
			}, nil
		})
	}
	return storage.NewS3ObjectStore(s3.New(opts), cfg.S3Bucket)
}

// Package main runs the standalone session archive worker.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/the3tree/3tree-sub003/config"
	"github.com/the3tree/3tree-sub003/internal/bookings"
	"github.com/the3tree/3tree-sub003/internal/sessionlog"
	"github.com/the3tree/3tree-sub003/internal/sessions"
	"github.com/the3tree/3tree-sub003/internal/worker"
	"github.com/the3tree/3tree-sub003/pkg/database"
	"github.com/the3tree/3tree-sub003/pkg/queue"
	"github.com/the3tree/3tree-sub003/pkg/redis"
	"github.com/the3tree/3tree-sub003/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		ArchiveBucket:   cfg.AWS.ArchiveBucket,
		Endpoint:        cfg.AWS.Endpoint,
		PresignExpire:   cfg.AWS.PresignExpire,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	archiver := worker.NewArchiver(
		sessions.NewRepository(pool),
		bookings.NewRepository(pool),
		sessionlog.NewRepository(pool),
		s3Client,
		queue.NewQueue(rdb.Client, logger),
		logger,
	)

	logger.Info("worker started", zap.String("queue", queue.QueueArchive))
	archiver.Run(ctx)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}

package main

import (
	"context"
	"fmt"

	"video_worker/internal/worker/domain"
	"video_worker/internal/worker/repository"
	"video_worker/pkg/config"
	"video_worker/pkg/database"
	"video_worker/pkg/health"
	"video_worker/pkg/logger"

	"go.uber.org/zap"
)

// closer 關閉時依註冊的相反順序執行
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) closeAll() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func newVideoRepo(cfg config.DatabaseConfig, cs *closers, checker *health.Checker) (domain.VideoRepo, error) {
	db, err := database.NewGormConnection(database.Connection{
		ConnectStr:    cfg.DSN(),
		RetryCount:    cfg.RetryCount,
		RetryInterval: cfg.RetryInterval,
	})
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		cs.add(func() { _ = sqlDB.Close() })
	}

	repo := repository.NewVideoRepo(db)
	if err := repo.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("migrate videos: %w", err)
	}
	checker.Register("record_store", repo.Ping)
	return repo, nil
}

func newBlobStore(ctx context.Context, cfg config.StorageConfig, checker *health.Checker) (repository.BlobStore, error) {
	switch cfg.Backend {
	case config.StorageMinIO:
		mc, err := database.NewMinIOConnection(ctx, database.MinIOConnection{
			Endpoint:      fmt.Sprintf("%s:%d", cfg.MinIO.Host, cfg.MinIO.Port),
			User:          cfg.MinIO.User,
			Password:      cfg.MinIO.Password,
			BucketName:    cfg.MinIO.BucketName,
			UseSSL:        cfg.MinIO.UseSSL,
			RetryCount:    cfg.MinIO.RetryCount,
			RetryInterval: cfg.MinIO.RetryInterval,
		})
		if err != nil {
			return nil, err
		}
		checker.Register("blob_store", func(ctx context.Context) error {
			_, err := mc.Client.BucketExists(ctx, mc.BucketName)
			return err
		})
		return repository.NewMinIOBlobStore(mc), nil
	default:
		return repository.NewLocalBlobStore(cfg.Local.Root)
	}
}

func newDeadLetterStore(ctx context.Context, cfg config.Worker, cs *closers, checker *health.Checker) (domain.DeadLetterStore, error) {
	switch cfg.DeadLetter.Store {
	case config.DeadLetterMongo:
		m := cfg.DeadLetter.Mongo
		mdb, err := database.NewMongoDB(ctx, database.Connection{
			ConnectStr:    m.URI,
			RetryCount:    m.RetryCount,
			RetryInterval: m.RetryInterval,
		}, m.Database)
		if err != nil {
			return nil, err
		}
		cs.add(func() { _ = mdb.Close(context.Background()) })
		if err := repository.EnsureIndexes(ctx, mdb.Database); err != nil {
			return nil, err
		}
		checker.Register("dead_letter_store", mdb.Ping)
		return repository.NewMongoDeadLetterRepo(mdb.Database), nil
	default:
		pg := cfg.PostgreSQL
		pool, err := database.NewDatabaseConnection(ctx, database.Connection{
			ConnectStr:    pg.DSN(),
			RetryCount:    pg.RetryCount,
			RetryInterval: pg.RetryInterval,
		})
		if err != nil {
			return nil, err
		}
		cs.add(pool.Close)
		if err := repository.EnsureSchema(ctx, pool); err != nil {
			return nil, err
		}
		checker.Register("dead_letter_store", pool.Ping)
		return repository.NewPGDeadLetterRepo(pool), nil
	}
}

func newLocker(ctx context.Context, cfg config.LockConfig, cs *closers) (domain.Locker, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := database.NewRedisClient(ctx, database.RedisConnection{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.RedisDB,
	})
	if err != nil {
		return nil, err
	}
	cs.add(func() { _ = client.Close() })
	logger.Log.Info("per-video lock enabled", zap.Duration("ttl", cfg.TTL))
	return repository.NewRedisLocker(client, cfg.TTL), nil
}

package database

import (
	"context"
	"fmt"
	"time"

	"video_worker/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// NewRedisClient init redis connection have retry
func NewRedisClient(ctx context.Context, d RedisConnection) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     d.Addr,
		Password: d.Password,
		DB:       d.DB,
	})

	var err error
	for i := 0; i < max(d.RetryCount, 1); i++ {
		// 测试连接
		if err = rdb.Ping(ctx).Err(); err == nil {
			logger.Log.Info("redis connected", zap.String("addr", d.Addr), zap.Int("attempt", i+1))
			return rdb, nil
		}
		logger.Log.Warn("Failed to connect to redis, retrying...",
			zap.Int("attempt", i+1),
			zap.String("address", d.Addr),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			_ = rdb.Close()
			return nil, ctx.Err()
		case <-time.After(d.RetryInterval):
		}
	}

	_ = rdb.Close()
	return nil, fmt.Errorf("failed to connect to redis[%s]: %w", d.Addr, err)
}

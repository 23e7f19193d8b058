package repository

import (
	"context"
	"fmt"
	"time"

	"video_worker/internal/worker/domain"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// 只有持有 token 的 worker 才能釋放
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0`)

// redisLocker per-video lock, SET NX PX
type redisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker create video locker
func NewRedisLocker(client *redis.Client, ttl time.Duration) domain.Locker {
	return &redisLocker{client: client, ttl: ttl}
}

func lockKey(videoID uint) string {
	return fmt.Sprintf("video_worker:lock:%d", videoID)
}

// Acquire 取得鎖，已被持有時回傳 ErrVideoLocked
func (l *redisLocker) Acquire(ctx context.Context, videoID uint) (func(context.Context) error, error) {
	token := uuid.NewString()
	key := lockKey(videoID)

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, domain.Transient("lock acquire", err)
	}
	if !ok {
		return nil, domain.NewError(domain.ErrVideoLocked, "lock acquire", videoID, nil)
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("lock release: %w", err)
		}
		return nil
	}
	return release, nil
}

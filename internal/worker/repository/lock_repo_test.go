package repository

import (
	"context"
	"testing"
	"time"

	"video_worker/internal/worker/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	locker := NewRedisLocker(client, time.Minute)

	release, err := locker.Acquire(ctx, 7)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, 7)
	assert.ErrorIs(t, err, domain.ErrVideoLocked)
	assert.True(t, domain.IsRetryable(err, false))

	// 其他影片不受影響
	releaseOther, err := locker.Acquire(ctx, 8)
	require.NoError(t, err)
	require.NoError(t, releaseOther(ctx))

	require.NoError(t, release(ctx))
	_, err = locker.Acquire(ctx, 7)
	assert.NoError(t, err)
}

func TestRedisLocker_ExpiredLockIsNotReleasedByOldOwner(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	locker := NewRedisLocker(client, time.Second)
	staleRelease, err := locker.Acquire(ctx, 7)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	_, err = locker.Acquire(ctx, 7)
	require.NoError(t, err)

	require.NoError(t, staleRelease(ctx))
	assert.True(t, mr.Exists(lockKey(7)), "new owner keeps the lock")
}

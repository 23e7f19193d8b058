package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"video_worker/pkg/config"
	"video_worker/pkg/database"
	"video_worker/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Redis 佇列結構：
//
//	queue:<name>             LIST  待處理 (LPUSH 進、RPOP 出)
//	queue:<name>:processing  ZSET  處理中，score 為 visibility 到期時間 (ms)
//	queue:<name>:delayed     ZSET  延遲重試，score 為可再次取出的時間 (ms)
var (
	// 取出一筆並放進 processing
	popScript = redis.NewScript(`
local v = redis.call('RPOP', KEYS[1])
if v then
	redis.call('ZADD', KEYS[2], ARGV[1], v)
end
return v`)

	// 從 zset 移除 member 並放回 ready list，ZREM 失敗代表已被其他 worker 處理
	requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
	redis.call('LPUSH', KEYS[2], ARGV[2])
	return 1
end
return 0`)

	// 從 processing 移到 delayed
	delayScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
	return 1
end
return 0`)
)

// envelope 定義存在 redis 裡的完整訊息
type envelope struct {
	ID         string    `json:"id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Body       Payload   `json:"body"`
}

func (e envelope) job() Job {
	return Job{ID: e.ID, VideoID: e.Body.VideoID, Attempt: e.Attempt, EnqueuedAt: e.EnqueuedAt}
}

func newEnvelope(j Job) envelope {
	return envelope{ID: j.ID, Attempt: j.Attempt, EnqueuedAt: j.EnqueuedAt, Body: Payload{VideoID: j.VideoID}}
}

// RedisAdapter list/zset based broker
type RedisAdapter struct {
	client       *redis.Client
	queueName    string
	visibility   time.Duration
	pollInterval time.Duration
	promoteLimit int64
	now          func() time.Time
}

// NewRedisAdapter connect redis and create adapter
func NewRedisAdapter(ctx context.Context, cfg config.QueueConfig) (*RedisAdapter, error) {
	client, err := database.NewRedisClient(ctx, database.RedisConnection{
		Addr:          cfg.Redis.Addr,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.RedisDB,
		RetryCount:    cfg.RetryCount,
		RetryInterval: cfg.RetryInterval,
	})
	if err != nil {
		return nil, err
	}
	return NewRedisAdapterWithClient(client, cfg), nil
}

// NewRedisAdapterWithClient create adapter on an existing client
func NewRedisAdapterWithClient(client *redis.Client, cfg config.QueueConfig) *RedisAdapter {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &RedisAdapter{
		client:       client,
		queueName:    cfg.Name,
		visibility:   cfg.VisibilityTimeout,
		pollInterval: poll,
		promoteLimit: 100,
		now:          time.Now,
	}
}

func readyKey(name string) string      { return "queue:" + name }
func processingKey(name string) string { return "queue:" + name + ":processing" }
func delayedKey(name string) string    { return "queue:" + name + ":delayed" }

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Enqueue push job to the named queue
func (r *RedisAdapter) Enqueue(ctx context.Context, queueName string, job Job) error {
	raw, err := json.Marshal(newEnvelope(job))
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := r.client.LPush(ctx, readyKey(queueName), raw).Err(); err != nil {
		return fmt.Errorf("redis enqueue %s: %w", queueName, err)
	}
	return nil
}

// Receive 阻塞直到取得 job 或 ctx 結束
func (r *RedisAdapter) Receive(ctx context.Context) (*Delivery, error) {
	for {
		d, err := r.tryReceive(ctx)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, ErrEmpty) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
}

func (r *RedisAdapter) tryReceive(ctx context.Context) (*Delivery, error) {
	if err := r.promote(ctx); err != nil {
		return nil, err
	}

	deadline := r.now().Add(r.visibility)
	res, err := popScript.Run(ctx, r.client,
		[]string{readyKey(r.queueName), processingKey(r.queueName)}, score(deadline)).Result()
	if errors.Is(err, redis.Nil) || res == nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("redis receive: %w", err)
	}

	member, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("redis receive: unexpected reply %T", res)
	}
	var env envelope
	if err := json.Unmarshal([]byte(member), &env); err != nil || env.Body.VideoID == 0 {
		// 壞掉的訊息直接丟棄，留在 processing 只會一直被重送
		logger.Log.Error("drop malformed redis message", zap.String("raw", member), zap.Error(err))
		r.client.ZRem(ctx, processingKey(r.queueName), member)
		return nil, ErrEmpty
	}

	return &Delivery{Job: env.job(), Queue: r.queueName, handle: member}, nil
}

// promote 把到期的 delayed 與 visibility 過期的 processing 放回 ready list
func (r *RedisAdapter) promote(ctx context.Context) error {
	now := r.now()
	opt := &redis.ZRangeBy{Min: "-inf", Max: score(now), Count: r.promoteLimit}

	due, err := r.client.ZRangeByScore(ctx, delayedKey(r.queueName), opt).Result()
	if err != nil {
		return fmt.Errorf("redis promote delayed: %w", err)
	}
	for _, member := range due {
		if err := requeueScript.Run(ctx, r.client,
			[]string{delayedKey(r.queueName), readyKey(r.queueName)}, member, member).Err(); err != nil {
			return fmt.Errorf("redis promote delayed: %w", err)
		}
	}

	expired, err := r.client.ZRangeByScore(ctx, processingKey(r.queueName), opt).Result()
	if err != nil {
		return fmt.Errorf("redis reclaim expired: %w", err)
	}
	for _, member := range expired {
		var env envelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			r.client.ZRem(ctx, processingKey(r.queueName), member)
			continue
		}
		// visibility 過期視為一次新的投遞
		env.Attempt++
		raw, _ := json.Marshal(env)
		n, err := requeueScript.Run(ctx, r.client,
			[]string{processingKey(r.queueName), readyKey(r.queueName)}, member, raw).Int()
		if err != nil {
			return fmt.Errorf("redis reclaim expired: %w", err)
		}
		if n == 1 {
			logger.Log.Warn("visibility timeout expired, job redelivered",
				zap.String("job_id", env.ID), zap.Uint("video_id", env.Body.VideoID), zap.Int("attempt", env.Attempt))
		}
	}
	return nil
}

// Ack remove job from processing
func (r *RedisAdapter) Ack(ctx context.Context, d *Delivery) error {
	member, ok := d.handle.(string)
	if !ok {
		return fmt.Errorf("redis ack: foreign delivery")
	}
	if err := r.client.ZRem(ctx, processingKey(d.Queue), member).Err(); err != nil {
		return fmt.Errorf("redis ack: %w", err)
	}
	return nil
}

// Nack 以 attempt+1 在 delay 後重新投遞
func (r *RedisAdapter) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	member, ok := d.handle.(string)
	if !ok {
		return fmt.Errorf("redis nack: foreign delivery")
	}
	next := d.Job
	next.Attempt++
	raw, err := json.Marshal(newEnvelope(next))
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	readyAt := r.now().Add(delay)
	if err := delayScript.Run(ctx, r.client,
		[]string{processingKey(d.Queue), delayedKey(d.Queue)}, member, score(readyAt), raw).Err(); err != nil {
		return fmt.Errorf("redis nack: %w", err)
	}
	return nil
}

// Ping check redis reachable
func (r *RedisAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close close redis client
func (r *RedisAdapter) Close() error {
	return r.client.Close()
}

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"video_worker/pkg/config"
	"video_worker/pkg/database"
	"video_worker/pkg/logger"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// AttemptHeader 放 attempt 次數的 header
const AttemptHeader = "x-attempt"

// Channel 定義用到的 amqp.Channel 方法，方便 mock
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Ack(tag uint64, multiple bool) error
	Close() error
}

// RabbitMQAdapter durable queue broker
// 重試走 TTL 重試佇列，過期後 dead-letter 回主佇列
type RabbitMQAdapter struct {
	ch        Channel
	conn      *amqp.Connection
	queueName string

	mu       sync.Mutex
	declared map[string]bool

	consumeOnce sync.Once
	deliveries  <-chan amqp.Delivery
	consumeErr  error
}

// NewRabbitMQAdapter dial rabbitmq and declare topology
func NewRabbitMQAdapter(cfg config.QueueConfig) (*RabbitMQAdapter, error) {
	conn, err := database.ConnectRabbitMQWithRetry(database.Connection{
		ConnectStr:    cfg.RabbitMQ.URL(),
		RetryCount:    cfg.RetryCount,
		RetryInterval: cfg.RetryInterval,
	})
	if err != nil {
		return nil, err
	}
	ch, err := database.GetRabbitMQChannelWithRetry(conn, cfg.RetryCount, cfg.RetryInterval)
	if err != nil {
		conn.Close()
		return nil, err
	}

	a, err := NewRabbitMQAdapterWithChannel(ch, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	a.conn = conn
	return a, nil
}

// NewRabbitMQAdapterWithChannel create adapter on an existing channel
func NewRabbitMQAdapterWithChannel(ch Channel, cfg config.QueueConfig) (*RabbitMQAdapter, error) {
	a := &RabbitMQAdapter{
		ch:        ch,
		queueName: cfg.Name,
		declared:  map[string]bool{},
	}

	prefetch := cfg.RabbitMQ.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("rabbitmq qos: %w", err)
	}
	for _, name := range []string{cfg.Name, cfg.DeadLetterName} {
		if err := a.declare(name, nil); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *RabbitMQAdapter) declare(name string, args amqp.Table) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.declared[name] {
		return nil
	}
	if _, err := a.ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("rabbitmq declare %s: %w", name, err)
	}
	a.declared[name] = true
	return nil
}

// retryQueue 每種延遲秒數一條重試佇列，閒置後自動刪除
func (a *RabbitMQAdapter) retryQueue(delay time.Duration) (string, error) {
	secs := int64(delay.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	name := fmt.Sprintf("%s.retry.%ds", a.queueName, secs)
	err := a.declare(name, amqp.Table{
		"x-message-ttl":             secs * 1000,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": a.queueName,
		"x-expires":                 secs*1000*2 + 60000,
	})
	return name, err
}

func publishing(job Job, body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    job.EnqueuedAt,
		Headers:      amqp.Table{AttemptHeader: int32(job.Attempt)},
		Body:         body,
	}
}

// Enqueue publish job to the named queue via default exchange
func (a *RabbitMQAdapter) Enqueue(ctx context.Context, queueName string, job Job) error {
	if err := a.declare(queueName, nil); err != nil {
		return err
	}
	body, err := EncodePayload(job)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ch.Publish("", queueName, false, false, publishing(job, body)); err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", queueName, err)
	}
	return nil
}

// Receive wait for next delivery
func (a *RabbitMQAdapter) Receive(ctx context.Context) (*Delivery, error) {
	a.consumeOnce.Do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.deliveries, a.consumeErr = a.ch.Consume(a.queueName, "", false, false, false, false, nil)
	})
	if a.consumeErr != nil {
		return nil, fmt.Errorf("rabbitmq consume: %w", a.consumeErr)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-a.deliveries:
			if !ok {
				return nil, ErrClosed
			}
			p, err := DecodePayload(d.Body)
			if err != nil {
				// 解析失敗的訊息重送也不會成功，直接 ack 丟棄
				logger.Log.Error("drop malformed rabbitmq message", zap.ByteString("body", d.Body), zap.Error(err))
				a.ack(d.DeliveryTag)
				continue
			}
			return &Delivery{Job: jobFromDelivery(d, p), Queue: a.queueName, handle: d.DeliveryTag}, nil
		}
	}
}

func jobFromDelivery(d amqp.Delivery, p Payload) Job {
	attempt := headerInt(d.Headers[AttemptHeader])
	// broker 原生重送（連線中斷、未 ack）也算一次嘗試
	if d.Redelivered {
		attempt++
	}
	id := d.MessageId
	if id == "" {
		id = uuid.NewString()
	}
	enqueuedAt := d.Timestamp
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now().UTC()
	}
	return Job{ID: id, VideoID: p.VideoID, Attempt: attempt, EnqueuedAt: enqueuedAt}
}

func headerInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int16:
		return int(n)
	case int8:
		return int(n)
	default:
		return 0
	}
}

func (a *RabbitMQAdapter) ack(tag uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ch.Ack(tag, false)
}

// Ack ack delivery
func (a *RabbitMQAdapter) Ack(ctx context.Context, d *Delivery) error {
	tag, ok := d.handle.(uint64)
	if !ok {
		return fmt.Errorf("rabbitmq ack: foreign delivery")
	}
	if err := a.ack(tag); err != nil {
		return fmt.Errorf("rabbitmq ack: %w", err)
	}
	return nil
}

// Nack 送到重試佇列 (attempt+1)，再 ack 原訊息
func (a *RabbitMQAdapter) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	tag, ok := d.handle.(uint64)
	if !ok {
		return fmt.Errorf("rabbitmq nack: foreign delivery")
	}
	retryName, err := a.retryQueue(delay)
	if err != nil {
		return err
	}

	next := d.Job
	next.Attempt++
	body, err := EncodePayload(next)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ch.Publish("", retryName, false, false, publishing(next, body)); err != nil {
		return fmt.Errorf("rabbitmq publish retry: %w", err)
	}
	if err := a.ch.Ack(tag, false); err != nil {
		return fmt.Errorf("rabbitmq ack after retry: %w", err)
	}
	return nil
}

// Ping check connection alive
func (a *RabbitMQAdapter) Ping(ctx context.Context) error {
	if a.conn != nil && a.conn.IsClosed() {
		return ErrClosed
	}
	return nil
}

// Close close channel and connection
func (a *RabbitMQAdapter) Close() error {
	err := a.ch.Close()
	if a.conn != nil {
		if cerr := a.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

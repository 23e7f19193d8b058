package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"video_worker/pkg/config"

	"github.com/google/uuid"
)

// ErrEmpty 沒有可取得的 job，Receive 在 ctx 結束前不會回傳這個錯誤
var ErrEmpty = errors.New("queue: empty")

// ErrClosed adapter already closed
var ErrClosed = errors.New("queue: closed")

// Job 定義一次處理工作
// 重試會產生 Attempt+1 的新 Job，ID 與 VideoID 不變
type Job struct {
	ID         string
	VideoID    uint
	Attempt    int
	EnqueuedAt time.Time
}

// NewJob create first attempt job
func NewJob(videoID uint) Job {
	return Job{ID: uuid.NewString(), VideoID: videoID, EnqueuedAt: time.Now().UTC()}
}

// Payload 定義 broker 上的訊息 body，只有 video_id
// attempt 屬於 broker 的重送資訊，不放進 payload
type Payload struct {
	VideoID uint `json:"video_id"`
}

// EncodePayload job -> wire body
func EncodePayload(j Job) ([]byte, error) {
	return json.Marshal(Payload{VideoID: j.VideoID})
}

// DecodePayload wire body -> payload
func DecodePayload(body []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if p.VideoID == 0 {
		return p, errors.New("decode payload: video_id is required")
	}
	return p, nil
}

// Delivery 定義一次投遞，handle 由各 broker 實作自行解讀
type Delivery struct {
	Job    Job
	Queue  string
	handle interface{}
}

// Adapter definition broker contract
// 投遞為 at-least-once，visibility timeout 到期未 ack 的 job 會被重送
type Adapter interface {
	Enqueue(ctx context.Context, queueName string, job Job) error
	Receive(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

// New 依設定建立唯一一個 broker 實作，業務邏輯不再判斷 broker 種類
func New(ctx context.Context, cfg config.QueueConfig) (Adapter, error) {
	switch cfg.Broker {
	case config.BrokerRedis:
		return NewRedisAdapter(ctx, cfg)
	case config.BrokerRabbitMQ:
		return NewRabbitMQAdapter(cfg)
	case config.BrokerSQS:
		return NewSQSAdapter(ctx, cfg)
	default:
		return nil, fmt.Errorf("queue: unsupported broker %q", cfg.Broker)
	}
}

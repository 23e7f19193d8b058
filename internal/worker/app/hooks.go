package app

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"video_worker/pkg/logger"
	"video_worker/pkg/metrics"
	"video_worker/pkg/queue"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Attempt 一次投遞的執行結果，傳給 hooks
type Attempt struct {
	Job      queue.Job
	Duration time.Duration
	Err      error
	// Delay 只在 OnRetry 有值
	Delay  time.Duration
	Result Result
	Sync   SyncResult
}

// Hooks 定義 executor 在狀態轉換時呼叫的 callback
type Hooks interface {
	OnSuccess(ctx context.Context, a Attempt)
	OnRetry(ctx context.Context, a Attempt)
	OnFailure(ctx context.Context, a Attempt)
}

// LogHooks 將結果寫入 log
type LogHooks struct{}

func jobFields(a Attempt) []zap.Field {
	return []zap.Field{
		zap.String("job_id", a.Job.ID),
		zap.Uint("video_id", a.Job.VideoID),
		zap.Int("attempt", a.Job.Attempt),
		zap.Duration("duration", a.Duration),
	}
}

func (LogHooks) OnSuccess(_ context.Context, a Attempt) {
	logger.Log.Info("job succeeded", append(jobFields(a),
		zap.String("processed_key", a.Result.ProcessedKey),
		zap.String("sync", string(a.Sync)))...)
}

func (LogHooks) OnRetry(_ context.Context, a Attempt) {
	logger.Log.Warn("job failed, will retry", append(jobFields(a),
		zap.Duration("delay", a.Delay), zap.Error(a.Err))...)
}

func (LogHooks) OnFailure(_ context.Context, a Attempt) {
	logger.Log.Error("job failed permanently", append(jobFields(a), zap.Error(a.Err))...)
}

// MetricsHooks 更新 prometheus 指標
type MetricsHooks struct {
	M *metrics.Metrics
}

func (h MetricsHooks) observe(outcome string, a Attempt) {
	h.M.JobsTotal.WithLabelValues(outcome).Inc()
	h.M.JobDuration.WithLabelValues(outcome).Observe(a.Duration.Seconds())
}

func (h MetricsHooks) OnSuccess(_ context.Context, a Attempt) {
	h.observe(metrics.OutcomeSucceeded, a)
}

func (h MetricsHooks) OnRetry(_ context.Context, a Attempt) {
	h.observe(metrics.OutcomeRetrying, a)
}

func (h MetricsHooks) OnFailure(_ context.Context, a Attempt) {
	h.observe(metrics.OutcomeDeadLettered, a)
	h.M.DeadLetters.Inc()
}

// MessageWriter 定義用到的 kafka.Writer 方法
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Event 送到 kafka 的結果事件
type Event struct {
	VideoID      uint      `json:"video_id"`
	JobID        string    `json:"job_id"`
	Attempt      int       `json:"attempt"`
	Outcome      string    `json:"outcome"`
	Error        string    `json:"error,omitempty"`
	ProcessedKey string    `json:"processed_key,omitempty"`
	At           time.Time `json:"at"`
}

// EventHooks 將結果發佈到 kafka，失敗只記 log 不影響 job
type EventHooks struct {
	Writer MessageWriter
	now    func() time.Time
}

// NewEventHooks create kafka event hooks
func NewEventHooks(w MessageWriter) *EventHooks {
	return &EventHooks{Writer: w, now: func() time.Time { return time.Now().UTC() }}
}

func (h *EventHooks) publish(ctx context.Context, outcome string, a Attempt) {
	ev := Event{
		VideoID:      a.Job.VideoID,
		JobID:        a.Job.ID,
		Attempt:      a.Job.Attempt,
		Outcome:      outcome,
		ProcessedKey: a.Result.ProcessedKey,
		At:           h.now(),
	}
	if a.Err != nil {
		ev.Error = a.Err.Error()
		ev.ProcessedKey = ""
	}
	value, err := json.Marshal(ev)
	if err != nil {
		logger.Log.Error("marshal event failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err = h.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(a.Job.VideoID), 10)),
		Value: value,
	})
	if err != nil {
		logger.Log.Warn("publish job event failed", zap.String("outcome", outcome), zap.Error(err))
	}
}

func (h *EventHooks) OnSuccess(ctx context.Context, a Attempt) {
	h.publish(ctx, metrics.OutcomeSucceeded, a)
}

func (h *EventHooks) OnRetry(ctx context.Context, a Attempt) {
	h.publish(ctx, metrics.OutcomeRetrying, a)
}

func (h *EventHooks) OnFailure(ctx context.Context, a Attempt) {
	h.publish(ctx, metrics.OutcomeDeadLettered, a)
}

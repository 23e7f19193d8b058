package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"video_worker/internal/worker/domain"
	"video_worker/pkg/logger"
	"video_worker/pkg/queue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeadLetterHandler 用盡重試後的終點
// 不會修改影片狀態，紀錄停留在 uploaded
type DeadLetterHandler struct {
	store   domain.DeadLetterStore
	queue   queue.Adapter
	dlqName string
	now     func() time.Time
}

// NewDeadLetterHandler create handler
func NewDeadLetterHandler(store domain.DeadLetterStore, q queue.Adapter, dlqName string) *DeadLetterHandler {
	return &DeadLetterHandler{store: store, queue: q, dlqName: dlqName, now: func() time.Time { return time.Now().UTC() }}
}

// Handle 寫入 dead-letter archive、送進 DLQ，並發出 error 等級告警
// archive 已有同一個 job_id（ack 失敗後的重送）時不再送 DLQ 也不再告警
func (h *DeadLetterHandler) Handle(ctx context.Context, job queue.Job, cause error) error {
	dl := domain.DeadLetter{
		ID:       uuid.NewString(),
		JobID:    job.ID,
		VideoID:  job.VideoID,
		Attempts: job.Attempt + 1,
		Error:    fmt.Sprint(cause),
		FailedAt: h.now(),
	}

	var errs []error
	created, err := h.store.Save(ctx, dl)
	if err != nil {
		// archive 狀態未知，照常送 DLQ
		errs = append(errs, fmt.Errorf("archive dead letter: %w", err))
	} else if !created {
		logger.Log.Warn("job already dead-lettered, skipping dlq",
			zap.String("job_id", job.ID),
			zap.Uint("video_id", job.VideoID),
		)
		return nil
	}
	if err := h.queue.Enqueue(ctx, h.dlqName, job); err != nil {
		errs = append(errs, fmt.Errorf("enqueue to %s: %w", h.dlqName, err))
	}

	logger.Log.Error("job dead-lettered",
		zap.String("alert", "dead_letter"),
		zap.String("job_id", job.ID),
		zap.Uint("video_id", job.VideoID),
		zap.Int("attempts", dl.Attempts),
		zap.String("error", dl.Error),
	)
	return errors.Join(errs...)
}

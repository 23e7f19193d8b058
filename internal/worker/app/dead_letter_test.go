package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"video_worker/internal/worker/domain"
	"video_worker/pkg/logger"
	"video_worker/pkg/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestDeadLetterHandler_ArchivesAndEnqueues(t *testing.T) {
	logger.SetNewNop()
	store := new(MockDeadLetterStore)
	q := new(MockQueue)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	job := queue.Job{ID: "job-1", VideoID: 42, Attempt: 5}
	cause := domain.Transient("encode", errors.New("ffmpeg exited 1"))

	store.On("Save", ctx, mock.MatchedBy(func(dl domain.DeadLetter) bool {
		return dl.ID != "" && dl.JobID == "job-1" && dl.VideoID == 42 &&
			dl.Attempts == 6 && dl.FailedAt.Equal(at) && dl.Error == cause.Error()
	})).Return(true, nil).Once()
	q.On("Enqueue", ctx, "video_processing.dlq", job).Return(nil).Once()

	h := NewDeadLetterHandler(store, q, "video_processing.dlq")
	h.now = func() time.Time { return at }

	assert.NoError(t, h.Handle(ctx, job, cause))
	store.AssertExpectations(t)
	q.AssertExpectations(t)
}

func TestDeadLetterHandler_ReportsBothFailures(t *testing.T) {
	logger.SetNewNop()
	store := new(MockDeadLetterStore)
	q := new(MockQueue)
	ctx := context.Background()

	job := queue.Job{ID: "job-2", VideoID: 7}
	store.On("Save", ctx, mock.Anything).Return(false, errors.New("mongo down"))
	q.On("Enqueue", ctx, "dlq", job).Return(errors.New("broker down"))

	err := NewDeadLetterHandler(store, q, "dlq").Handle(ctx, job, domain.ErrNotFound)
	assert.ErrorContains(t, err, "mongo down")
	assert.ErrorContains(t, err, "broker down")
	q.AssertNumberOfCalls(t, "Enqueue", 1)
}

func TestDeadLetterHandler_AlreadyArchivedSkipsQueue(t *testing.T) {
	logger.SetNewNop()
	store := new(MockDeadLetterStore)
	q := new(MockQueue)
	ctx := context.Background()

	// ack 遺失後同一個 job 被重送
	job := queue.Job{ID: "job-3", VideoID: 9, Attempt: 5}
	store.On("Save", ctx, mock.Anything).Return(false, nil).Once()

	assert.NoError(t, NewDeadLetterHandler(store, q, "dlq").Handle(ctx, job, domain.ErrTransient))
	store.AssertExpectations(t)
	q.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything)
}

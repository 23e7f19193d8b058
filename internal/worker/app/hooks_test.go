package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"video_worker/pkg/logger"
	"video_worker/pkg/metrics"
	"video_worker/pkg/queue"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockWriter struct {
	mock.Mock
}

func (m *MockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func TestMetricsHooks(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := MetricsHooks{M: m}
	a := Attempt{Job: queue.Job{VideoID: 1}, Duration: 3 * time.Second}

	h.OnSuccess(context.Background(), a)
	h.OnSuccess(context.Background(), a)
	h.OnRetry(context.Background(), a)
	h.OnFailure(context.Background(), a)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues(metrics.OutcomeSucceeded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues(metrics.OutcomeRetrying)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues(metrics.OutcomeDeadLettered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeadLetters))
}

func TestEventHooks_PublishesOutcome(t *testing.T) {
	logger.SetNewNop()
	w := new(MockWriter)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var got []kafka.Message
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		got = append(got, args.Get(1).([]kafka.Message)...)
	})

	h := NewEventHooks(w)
	h.now = func() time.Time { return at }
	h.OnSuccess(context.Background(), Attempt{
		Job:    queue.Job{ID: "job-1", VideoID: 42},
		Result: Result{ProcessedKey: "processed/42.mp4"},
	})
	h.OnFailure(context.Background(), Attempt{
		Job:    queue.Job{ID: "job-2", VideoID: 7, Attempt: 5},
		Result: Result{ProcessedKey: "processed/7.mp4"},
		Err:    errors.New("ffmpeg exited 1"),
	})

	require.Len(t, got, 2)
	assert.Equal(t, "42", string(got[0].Key))

	var ok Event
	require.NoError(t, json.Unmarshal(got[0].Value, &ok))
	assert.Equal(t, Event{VideoID: 42, JobID: "job-1", Outcome: metrics.OutcomeSucceeded, ProcessedKey: "processed/42.mp4", At: at}, ok)

	var failed Event
	require.NoError(t, json.Unmarshal(got[1].Value, &failed))
	assert.Equal(t, metrics.OutcomeDeadLettered, failed.Outcome)
	assert.Equal(t, "ffmpeg exited 1", failed.Error)
	assert.Empty(t, failed.ProcessedKey)
	assert.Equal(t, 5, failed.Attempt)
}

func TestEventHooks_WriteFailureIsSwallowed(t *testing.T) {
	logger.SetNewNop()
	w := new(MockWriter)
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("kafka unavailable"))

	assert.NotPanics(t, func() {
		NewEventHooks(w).OnRetry(context.Background(), Attempt{Job: queue.Job{VideoID: 1}, Err: errors.New("x")})
	})
	w.AssertNumberOfCalls(t, "WriteMessages", 1)
}

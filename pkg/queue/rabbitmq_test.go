package queue

import (
	"context"
	"testing"
	"time"

	"video_worker/pkg/config"
	"video_worker/pkg/logger"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockChannel 是 amqp.Channel 的 Mock
type MockChannel struct {
	mock.Mock
	deliveries chan amqp.Delivery
}

func (m *MockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	args := m.Called(prefetchCount, prefetchSize, global)
	return args.Error(0)
}

func (m *MockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	a := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return amqp.Queue{Name: name}, a.Error(0)
}

func (m *MockChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	args := m.Called(exchange, key, mandatory, immediate, msg)
	return args.Error(0)
}

func (m *MockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	a := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	return m.deliveries, a.Error(0)
}

func (m *MockChannel) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *MockChannel) Close() error {
	args := m.Called()
	return args.Error(0)
}

func newTestRabbitAdapter(t *testing.T) (*RabbitMQAdapter, *MockChannel) {
	t.Helper()
	logger.SetNewNop()

	ch := &MockChannel{deliveries: make(chan amqp.Delivery, 4)}
	ch.On("Qos", 2, 0, false).Return(nil)
	ch.On("QueueDeclare", "video_processing", true, false, false, false, amqp.Table(nil)).Return(nil).Once()
	ch.On("QueueDeclare", "dlq", true, false, false, false, amqp.Table(nil)).Return(nil).Once()

	a, err := NewRabbitMQAdapterWithChannel(ch, config.QueueConfig{
		Name:           "video_processing",
		DeadLetterName: "dlq",
		RabbitMQ:       config.RabbitMQConfig{Prefetch: 2},
	})
	require.NoError(t, err)
	return a, ch
}

func TestRabbitMQAdapter_Enqueue(t *testing.T) {
	a, ch := newTestRabbitAdapter(t)
	job := NewJob(42)

	ch.On("Publish", "", "video_processing", false, false, mock.MatchedBy(func(p amqp.Publishing) bool {
		return string(p.Body) == `{"video_id":42}` && p.MessageId == job.ID && p.DeliveryMode == amqp.Persistent
	})).Return(nil).Once()

	require.NoError(t, a.Enqueue(context.Background(), "video_processing", job))
	ch.AssertExpectations(t)
}

func TestRabbitMQAdapter_ReceiveAttemptFromHeader(t *testing.T) {
	a, ch := newTestRabbitAdapter(t)
	ch.On("Consume", "video_processing", "", false, false, false, false, amqp.Table(nil)).Return(nil).Once()

	ch.deliveries <- amqp.Delivery{
		DeliveryTag: 5,
		MessageId:   "job-1",
		Headers:     amqp.Table{AttemptHeader: int32(2)},
		Redelivered: true,
		Body:        []byte(`{"video_id":7}`),
	}

	d, err := a.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "job-1", d.Job.ID)
	assert.Equal(t, uint(7), d.Job.VideoID)
	assert.Equal(t, 3, d.Job.Attempt, "broker redelivery counts as an attempt")
}

func TestRabbitMQAdapter_ReceiveDropsMalformed(t *testing.T) {
	a, ch := newTestRabbitAdapter(t)
	ch.On("Consume", "video_processing", "", false, false, false, false, amqp.Table(nil)).Return(nil).Once()
	ch.On("Ack", uint64(1), false).Return(nil).Once()

	ch.deliveries <- amqp.Delivery{DeliveryTag: 1, Body: []byte(`{}`)}
	ch.deliveries <- amqp.Delivery{DeliveryTag: 2, MessageId: "ok", Body: []byte(`{"video_id":1}`)}

	d, err := a.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", d.Job.ID)
	ch.AssertExpectations(t)
}

func TestRabbitMQAdapter_NackPublishesToRetryQueue(t *testing.T) {
	a, ch := newTestRabbitAdapter(t)
	ch.On("QueueDeclare", "video_processing.retry.20s", true, false, false, false, mock.MatchedBy(func(args amqp.Table) bool {
		return args["x-message-ttl"] == int64(20000) && args["x-dead-letter-routing-key"] == "video_processing"
	})).Return(nil).Once()
	ch.On("Publish", "", "video_processing.retry.20s", false, false, mock.MatchedBy(func(p amqp.Publishing) bool {
		return p.Headers[AttemptHeader] == int32(2) && p.MessageId == "job-1"
	})).Return(nil).Once()
	ch.On("Ack", uint64(9), false).Return(nil).Once()

	d := &Delivery{Job: Job{ID: "job-1", VideoID: 7, Attempt: 1}, Queue: "video_processing", handle: uint64(9)}
	require.NoError(t, a.Nack(context.Background(), d, 20*time.Second))
	ch.AssertExpectations(t)
}

func TestRabbitMQAdapter_ReceiveHonoursContext(t *testing.T) {
	a, ch := newTestRabbitAdapter(t)
	ch.On("Consume", "video_processing", "", false, false, false, false, amqp.Table(nil)).Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

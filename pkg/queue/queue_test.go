package queue

import (
	"context"
	"testing"

	"video_worker/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayload_OnlyVideoIDOnTheWire(t *testing.T) {
	body, err := EncodePayload(Job{ID: "x", VideoID: 42, Attempt: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"video_id":42}`, string(body))

	p, err := DecodePayload(body)
	require.NoError(t, err)
	assert.Equal(t, uint(42), p.VideoID)
}

func TestDecodePayload_Invalid(t *testing.T) {
	for _, body := range []string{``, `{}`, `{"video_id":0}`, `[1]`} {
		_, err := DecodePayload([]byte(body))
		assert.Error(t, err, body)
	}
}

func TestNew_UnsupportedBroker(t *testing.T) {
	_, err := New(context.Background(), config.QueueConfig{Broker: "kinesis"})
	assert.ErrorContains(t, err, "unsupported broker")
}

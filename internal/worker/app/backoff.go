package app

import (
	"math/rand"
	"time"

	"video_worker/pkg/config"
)

// BackoffPolicy 重試延遲計算，純函式沒有副作用
type BackoffPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
	Jitter     bool

	rand func() float64
}

// NewBackoffPolicy create policy from retry config
func NewBackoffPolicy(cfg config.RetryConfig) BackoffPolicy {
	return BackoffPolicy{
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
		MaxRetries: cfg.MaxRetries,
		Jitter:     cfg.Jitter,
		rand:       rand.Float64,
	}
}

// NextDelay min(max_delay, base_delay * 2^attempt)
// jitter 只在未達上限時作用，取 [d/2, d]，所以結果不會超過 max_delay 且隨 attempt 不遞減
func (p BackoffPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d >= p.MaxDelay {
		return p.MaxDelay
	}
	if !p.Jitter {
		return d
	}

	r := p.rand
	if r == nil {
		r = rand.Float64
	}
	half := d / 2
	return half + time.Duration(r()*float64(d-half))
}

// ShouldRetry attempt < max_retries
func (p BackoffPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxRetries
}

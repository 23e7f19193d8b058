package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"video_worker/pkg/logger"
	"video_worker/pkg/queue"

	"go.uber.org/zap"
)

// ErrShutdownTimeout is returned when workers don't stop within timeout.
var ErrShutdownTimeout = errors.New("worker pool shutdown timed out")

// JobRunner definition executor contract used by the pool
type JobRunner interface {
	Execute(ctx context.Context, d *queue.Delivery) State
}

// Pool 固定 N 個 goroutine，每個一次只處理一個 job
type Pool struct {
	workers    int
	queue      queue.Adapter
	runner     JobRunner
	errBackoff time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool create worker pool
func NewPool(workers int, q queue.Adapter, runner JobRunner) *Pool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:    workers,
		queue:      q,
		runner:     runner,
		errBackoff: time.Second,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches all workers.
func (p *Pool) Start() {
	logger.Log.Info("starting worker pool", zap.Int("workers", p.workers))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop 停止接收新 job 並等待執行中的 job 結束
func (p *Pool) Stop(timeout time.Duration) error {
	logger.Log.Info("stopping worker pool")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Log.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	log := logger.Log.With(zap.Int("worker_id", id))
	log.Info("worker started")

	for {
		d, err := p.queue.Receive(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				log.Info("worker stopping")
				return
			}
			log.Error("failed to receive job", zap.Error(err))
			select {
			case <-p.ctx.Done():
				log.Info("worker stopping")
				return
			case <-time.After(p.errBackoff):
			}
			continue
		}

		p.runner.Execute(p.ctx, d)
	}
}

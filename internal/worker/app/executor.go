package app

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"video_worker/internal/worker/domain"
	"video_worker/pkg/logger"
	"video_worker/pkg/queue"

	"go.uber.org/zap"
)

// State 單次投遞的狀態
// Enqueued → Running → Succeeded | Retrying | DeadLettered
// Retrying 不會持久化，實際上就是 attempt+1 的下一次投遞
type State string

const (
	StateRunning      State = "running"
	StateSucceeded    State = "succeeded"
	StateRetrying     State = "retrying"
	StateDeadLettered State = "dead_lettered"
)

// settleTimeout ack / nack / dead-letter 使用的獨立 timeout，shutdown 時仍要能完成
const settleTimeout = 30 * time.Second

// ExecutorOptions executor 參數
type ExecutorOptions struct {
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
	RetryNotFound bool
}

// Executor 負責單一 job 的完整流程與結果回報
type Executor struct {
	queue      queue.Adapter
	workspaces *WorkspaceManager
	pipeline   Processor
	sync       *RecordSynchronizer
	policy     BackoffPolicy
	deadLetter *DeadLetterHandler
	locker     domain.Locker
	hooks      []Hooks
	opts       ExecutorOptions
}

// NewExecutor create executor, locker 可為 nil
func NewExecutor(
	q queue.Adapter,
	workspaces *WorkspaceManager,
	pipeline Processor,
	sync *RecordSynchronizer,
	policy BackoffPolicy,
	deadLetter *DeadLetterHandler,
	locker domain.Locker,
	opts ExecutorOptions,
	hooks ...Hooks,
) *Executor {
	return &Executor{
		queue:      q,
		workspaces: workspaces,
		pipeline:   pipeline,
		sync:       sync,
		policy:     policy,
		deadLetter: deadLetter,
		locker:     locker,
		hooks:      hooks,
		opts:       opts,
	}
}

// Execute 處理一次投遞並回報 ack / nack / dead-letter
// 執行中的 job 不受 ctx 取消影響（graceful shutdown），只受 hard limit 限制
func (e *Executor) Execute(ctx context.Context, d *queue.Delivery) State {
	job := d.Job
	log := logger.Log.With(zap.String("job_id", job.ID), zap.Uint("video_id", job.VideoID), zap.Int("attempt", job.Attempt))
	log.Info("job running")

	base := context.WithoutCancel(ctx)
	jobCtx, cancel := context.WithTimeout(base, e.opts.HardTimeLimit)
	defer cancel()

	abort := make(chan struct{})
	soft := time.AfterFunc(e.opts.SoftTimeLimit, func() {
		log.Warn("soft time limit reached, aborting job", zap.Duration("limit", e.opts.SoftTimeLimit))
		close(abort)
	})
	defer soft.Stop()

	started := time.Now()
	res, syncRes, err := e.run(jobCtx, job, abort)
	if err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		err = domain.NewError(domain.ErrHardTimeout, "execute", job.VideoID, err)
	}
	attempt := Attempt{Job: job, Duration: time.Since(started), Err: err, Result: res, Sync: syncRes}

	settleCtx, settleCancel := context.WithTimeout(base, settleTimeout)
	defer settleCancel()

	if err == nil {
		if ackErr := e.queue.Ack(settleCtx, d); ackErr != nil {
			// ack 遺失時 broker 會重送，pipeline 與 record 更新皆可重複執行
			log.Error("ack failed", zap.Error(ackErr))
		}
		e.notify(func(h Hooks) { h.OnSuccess(settleCtx, attempt) })
		return StateSucceeded
	}

	if domain.IsRetryable(err, e.opts.RetryNotFound) && e.policy.ShouldRetry(job.Attempt) {
		attempt.Delay = e.policy.NextDelay(job.Attempt)
		if nackErr := e.queue.Nack(settleCtx, d, attempt.Delay); nackErr != nil {
			log.Error("nack failed, waiting for visibility timeout", zap.Error(nackErr))
		}
		e.notify(func(h Hooks) { h.OnRetry(settleCtx, attempt) })
		return StateRetrying
	}

	if dlErr := e.deadLetter.Handle(settleCtx, job, err); dlErr != nil {
		log.Error("dead-letter handler failed", zap.Error(dlErr))
	}
	if ackErr := e.queue.Ack(settleCtx, d); ackErr != nil {
		log.Error("ack after dead-letter failed", zap.Error(ackErr))
	}
	e.notify(func(h Hooks) { h.OnFailure(settleCtx, attempt) })
	return StateDeadLettered
}

func (e *Executor) notify(fn func(Hooks)) {
	for _, h := range e.hooks {
		fn(h)
	}
}

// run lock → workspace → pipeline → record sync，panic 轉成 transient 錯誤
func (e *Executor) run(ctx context.Context, job queue.Job, abort <-chan struct{}) (res Result, syncRes SyncResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("job panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = domain.NewError(domain.ErrTransient, "execute", job.VideoID, fmt.Errorf("panic: %v", r))
		}
	}()

	if e.locker != nil {
		release, lockErr := e.locker.Acquire(ctx, job.VideoID)
		if lockErr != nil {
			return res, "", lockErr
		}
		defer func() {
			relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if relErr := release(relCtx); relErr != nil {
				logger.Log.Warn("release video lock failed", zap.Uint("video_id", job.VideoID), zap.Error(relErr))
			}
		}()
	}

	err = e.workspaces.With(ctx, job.VideoID, func(ctx context.Context, ws *Workspace) error {
		var runErr error
		res, runErr = e.pipeline.Run(ctx, Run{VideoID: job.VideoID, Workspace: ws, Abort: abort})
		if runErr != nil {
			return runErr
		}
		syncRes, runErr = e.sync.Sync(ctx, job.VideoID, res.ProcessedKey)
		return runErr
	})
	return res, syncRes, err
}

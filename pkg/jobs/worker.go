package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sbomify/assessments/pkg/assessment"
	"github.com/sbomify/assessments/pkg/metrics"
)

// Runner executes one assessment. It is satisfied by
// *assessment.Orchestrator.
type Runner interface {
	RunAssessmentByName(ctx context.Context, req assessment.RunRequest) (*assessment.AssessmentRun, error)
}

// StaleRunReaper fails assessment runs abandoned by dead workers.
type StaleRunReaper interface {
	FailStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// WorkerPool processes queued assessment tasks using a pool of goroutines.
type WorkerPool struct {
	broker     Broker
	runner     Runner
	cfg        *JobConfig
	metrics    *metrics.Metrics
	reaper     StaleRunReaper
	staleAfter time.Duration
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(broker Broker, runner Runner, cfg *JobConfig, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	return &WorkerPool{
		broker: broker,
		runner: runner,
		cfg:    cfg,
		logger: logger,
	}
}

// WithMetrics records retry, exhaustion and burial counts on m.
func (wp *WorkerPool) WithMetrics(m *metrics.Metrics) *WorkerPool {
	wp.metrics = m
	return wp
}

// WithRunReaper makes the cleanup loop fail runs stuck in running for
// longer than staleAfter, releasing their idempotency key.
func (wp *WorkerPool) WithRunReaper(r StaleRunReaper, staleAfter time.Duration) *WorkerPool {
	wp.reaper = r
	wp.staleAfter = staleAfter
	return wp
}

// Run starts the worker pool. It spawns cfg.Concurrency goroutines,
// each polling for tasks. It blocks until the context is cancelled,
// then waits for all workers to finish.
func (wp *WorkerPool) Run(ctx context.Context) {
	if wp.broker == nil || !wp.cfg.Enabled {
		wp.logger.Info("assessment worker pool disabled")
		return
	}

	wp.logger.Info("assessment worker pool starting",
		"concurrency", wp.cfg.Concurrency,
		"maxAttempts", wp.cfg.Retry.MaxAttempts,
		"taskTimeout", wp.cfg.TaskTimeout.String(),
		"pollInterval", wp.cfg.PollInterval.String())

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		wp.cleanupLoop(ctx)
	}()

	for i := 0; i < wp.cfg.Concurrency; i++ {
		wp.wg.Add(1)
		go func(workerID int) {
			defer wp.wg.Done()
			wp.workerLoop(ctx, workerID)
		}(i)
	}

	<-ctx.Done()
	wp.logger.Info("assessment worker pool shutting down, waiting for workers to finish")
	wp.wg.Wait()
	wp.logger.Info("assessment worker pool stopped")
}

func (wp *WorkerPool) workerLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	wp.logger.Debug("worker started", "workerID", workerID)

	for {
		select {
		case <-ctx.Done():
			wp.logger.Debug("worker stopped", "workerID", workerID)
			return
		case <-ticker.C:
			// Drain whatever is available before sleeping again.
			for ctx.Err() == nil && wp.ProcessOne(ctx, workerID) {
			}
		}
	}
}

// ProcessOne claims and executes a single task. It reports whether a task
// was claimed.
func (wp *WorkerPool) ProcessOne(ctx context.Context, workerID int) bool {
	task, err := wp.broker.Claim(ctx)
	if err != nil {
		wp.logger.Error("failed to claim task", "workerID", workerID, "error", err)
		return false
	}
	if task == nil {
		return false
	}
	// Bookkeeping must land even while shutting down.
	bg := context.WithoutCancel(ctx)

	log := wp.logger.With(
		"workerID", workerID,
		"taskID", task.ID,
		"artifactID", task.ArtifactID,
		"plugin", task.PluginName,
		"attempt", task.AttemptCount)

	req, err := task.RunRequest()
	if err != nil {
		log.Error("burying undecodable task", "error", err)
		wp.bury(bg, log, task, "undecodable", err.Error())
		return true
	}

	log.Info("processing assessment task", "reason", req.Reason)

	taskCtx, cancel := context.WithTimeout(ctx, wp.cfg.TaskTimeout)
	run, err := wp.runner.RunAssessmentByName(taskCtx, req)
	timedOut := errors.Is(taskCtx.Err(), context.DeadlineExceeded)
	cancel()

	switch {
	case err == nil:
		log.Info("assessment task completed", "runID", run.ID, "status", run.Status)
		if ackErr := wp.broker.Ack(bg, task.ID, run.ID); ackErr != nil {
			log.Error("failed to ack task", "error", ackErr)
		}

	case assessment.IsTerminal(err):
		log.Warn("assessment task failed permanently", "error", err)
		wp.bury(bg, log, task, "terminal", err.Error())

	case ctx.Err() != nil:
		// Shutting down: give the task back without spending its retry budget.
		if nackErr := wp.broker.Nack(bg, task.ID, time.Now(), "interrupted by shutdown"); nackErr != nil {
			log.Error("failed to requeue interrupted task", "error", nackErr)
		}

	default:
		wp.retry(bg, log, task, err, timedOut)
	}
	return true
}

func (wp *WorkerPool) retry(ctx context.Context, log *slog.Logger, task *AssessmentTask, cause error, timedOut bool) {
	first := time.Now()
	if task.FirstAttemptAt != nil {
		first = *task.FirstAttemptAt
	}
	reason := "error"
	if timedOut {
		reason = "timeout"
	}

	retryAt, ok := wp.cfg.Retry.Next(task.AttemptCount, first, time.Now())
	if !ok {
		log.Error("assessment task retries exhausted",
			"reason", reason,
			"elapsed", time.Since(first).String(),
			"error", cause)
		wp.metrics.TaskExhausted()
		wp.bury(ctx, log, task, "exhausted", cause.Error())
		return
	}

	log.Warn("retrying assessment task",
		"reason", reason,
		"nextAttempt", task.AttemptCount+1,
		"delay", time.Until(retryAt).Round(time.Millisecond).String(),
		"error", cause)
	wp.metrics.TaskRetried()
	if err := wp.broker.Nack(ctx, task.ID, retryAt, cause.Error()); err != nil {
		log.Error("failed to requeue task", "error", err)
	}
}

func (wp *WorkerPool) bury(ctx context.Context, log *slog.Logger, task *AssessmentTask, reason, msg string) {
	wp.metrics.TaskBuried(reason)
	if err := wp.broker.Bury(ctx, task.ID, reason+": "+msg); err != nil {
		log.Error("failed to bury task", "error", err)
	}
}

// cleanupLoop periodically recovers stuck tasks, removes old finished ones
// and releases abandoned assessment runs.
func (wp *WorkerPool) cleanupLoop(ctx context.Context) {
	interval := wp.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wp.Cleanup(ctx)
		}
	}
}

// Cleanup runs one sweep of the cleanup loop.
func (wp *WorkerPool) Cleanup(ctx context.Context) {
	if wp.cfg.ClaimTimeout > 0 {
		recovered, err := wp.broker.CleanupStuck(ctx, wp.cfg.ClaimTimeout)
		if err != nil {
			wp.logger.Error("failed to cleanup stuck tasks", "error", err)
		} else if recovered > 0 {
			wp.logger.Info("recovered stuck tasks", "count", recovered)
		}
	}

	if wp.cfg.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -wp.cfg.RetentionDays)
		deleted, err := wp.broker.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			wp.logger.Error("failed to delete old tasks", "error", err)
		} else if deleted > 0 {
			wp.logger.Info("deleted old tasks", "count", deleted)
		}
	}

	if wp.reaper != nil && wp.staleAfter > 0 {
		failed, err := wp.reaper.FailStale(ctx, time.Now().Add(-wp.staleAfter))
		if err != nil {
			wp.logger.Error("failed to release stale assessment runs", "error", err)
		} else if failed > 0 {
			wp.logger.Warn("released stale assessment runs", "count", failed)
		}
	}
}

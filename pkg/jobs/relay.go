package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/sbomify/assessments/pkg/assessment"
	"github.com/sbomify/assessments/pkg/metrics"
)

// Relay moves committed outbox rows to the broker.
//
// A row is marked dispatched only after the broker accepted its task. A
// crash in between republishes the row; the task idempotency key absorbs
// the duplicate while the first task is live.
type Relay struct {
	db        *gorm.DB
	broker    Broker
	interval  time.Duration
	batchSize int
	retention time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewRelay creates a Relay using the outbox settings of cfg.
func NewRelay(db *gorm.DB, broker Broker, cfg *JobConfig, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	return &Relay{
		db:        db,
		broker:    broker,
		interval:  cfg.OutboxPollInterval,
		batchSize: cfg.OutboxBatchSize,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		metrics:   m,
		logger:    logger,
	}
}

// Run polls the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", "interval", r.interval.String(), "batchSize", r.batchSize)
	var lastPurge time.Time
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			for {
				n, err := r.DispatchOnce(ctx)
				if err != nil {
					r.logger.Error("outbox dispatch failed", "error", err)
					break
				}
				if n < r.batchSize || ctx.Err() != nil {
					break
				}
			}
			if r.retention > 0 && time.Since(lastPurge) > time.Hour {
				lastPurge = time.Now()
				if purged, err := r.PurgeDispatched(ctx, lastPurge.Add(-r.retention)); err != nil {
					r.logger.Error("failed to purge outbox", "error", err)
				} else if purged > 0 {
					r.logger.Info("purged dispatched outbox rows", "count", purged)
				}
			}
		}
	}
}

// DispatchOnce publishes up to one batch of pending rows and returns how
// many rows it examined.
func (r *Relay) DispatchOnce(ctx context.Context) (int, error) {
	var rows []OutboxDispatch
	err := r.db.WithContext(ctx).
		Where("dispatched_at IS NULL").
		Order("created_at ASC").
		Limit(r.batchSize).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("load outbox: %w", err)
	}

	dispatched := 0
	for i := range rows {
		row := &rows[i]
		taskID, err := r.publish(ctx, row)
		if err != nil {
			r.logger.Warn("failed to publish outbox row",
				"outboxID", row.ID, "artifactID", row.ArtifactID, "plugin", row.PluginName, "error", err)
			r.db.WithContext(ctx).Model(&OutboxDispatch{}).Where("id = ?", row.ID).
				Updates(map[string]any{"attempts": gorm.Expr("attempts + 1"), "last_error": err.Error()})
			continue
		}
		res := r.db.WithContext(ctx).Model(&OutboxDispatch{}).
			Where("id = ? AND dispatched_at IS NULL", row.ID).
			Updates(map[string]any{"dispatched_at": time.Now(), "task_id": taskID})
		if res.Error != nil {
			return len(rows), fmt.Errorf("mark outbox row dispatched: %w", res.Error)
		}
		dispatched++
	}
	r.metrics.Dispatched(dispatched)
	return len(rows), nil
}

func (r *Relay) publish(ctx context.Context, row *OutboxDispatch) (string, error) {
	var req assessment.RunRequest
	if err := json.Unmarshal(row.Payload, &req); err != nil {
		return "", fmt.Errorf("decode outbox row %s: %w", row.ID, err)
	}
	task, err := NewTask(req, row.IdempotencyKey)
	if err != nil {
		return "", err
	}
	task.RequestedAt = row.CreatedAt

	published, err := r.broker.Publish(ctx, task)
	if err != nil {
		return "", err
	}
	return published.ID, nil
}

// PurgeDispatched deletes dispatched outbox rows older than cutoff.
func (r *Relay) PurgeDispatched(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("dispatched_at < ?", cutoff).Delete(&OutboxDispatch{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge outbox: %w", res.Error)
	}
	return res.RowsAffected, nil
}

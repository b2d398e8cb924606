package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sbomify/assessments/pkg/assessment"
)

// JobStore is the database-backed Broker.
type JobStore struct {
	db *gorm.DB
}

var (
	_ Broker     = (*JobStore)(nil)
	_ TaskReader = (*JobStore)(nil)
)

// NewJobStore creates a new JobStore.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// AutoMigrate creates or updates the assessment_tasks and outbox tables.
func (s *JobStore) AutoMigrate() error {
	return s.db.AutoMigrate(&AssessmentTask{}, &OutboxDispatch{})
}

func liveByKey(db *gorm.DB, key string) *gorm.DB {
	return db.Where("idempotency_key = ? AND state IN ?", key, liveStates)
}

// Publish creates a queued task. If the task carries an idempotency key and
// a live task with the same key exists, the existing task is returned.
// Safe for concurrent use.
func (s *JobStore) Publish(ctx context.Context, task *AssessmentTask) (*AssessmentTask, error) {
	if task.State == "" {
		task.State = TaskStateQueued
	}
	if task.AvailableAt.IsZero() {
		task.AvailableAt = time.Now()
	}
	if task.RequestedAt.IsZero() {
		task.RequestedAt = time.Now()
	}
	db := s.db.WithContext(ctx)

	if task.IdempotencyKey == nil {
		if err := db.Create(task).Error; err != nil {
			return nil, fmt.Errorf("publish task: %w", err)
		}
		return task, nil
	}

	key := *task.IdempotencyKey
	var result *AssessmentTask
	err := db.Transaction(func(tx *gorm.DB) error {
		var existing AssessmentTask
		err := liveByKey(tx, key).First(&existing).Error
		if err == nil {
			result = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check idempotency key: %w", err)
		}
		if err := tx.Create(task).Error; err != nil {
			return fmt.Errorf("publish task: %w", err)
		}
		result = task
		return nil
	})
	if err != nil {
		if assessment.IsUniqueViolation(err) {
			// Another publisher won; return its task.
			var winner AssessmentTask
			if lookupErr := liveByKey(db, key).First(&winner).Error; lookupErr == nil {
				return &winner, nil
			}
		}
		return nil, err
	}
	return result, nil
}

// Claim atomically picks the oldest available queued task and transitions
// it to running. Uses FOR UPDATE SKIP LOCKED on PostgreSQL.
// Returns nil if no tasks are available.
func (s *JobStore) Claim(ctx context.Context) (*AssessmentTask, error) {
	var task AssessmentTask
	now := time.Now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("state = ? AND available_at <= ?", TaskStateQueued, now).
			Order("available_at ASC").
			Limit(1)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&task).Error; err != nil {
			return err
		}
		if task.ID == "" {
			return nil
		}

		return tx.Model(&AssessmentTask{}).Where("id = ? AND state = ?", task.ID, TaskStateQueued).
			Updates(map[string]any{
				"state":            TaskStateRunning,
				"started_at":       now,
				"first_attempt_at": gorm.Expr("COALESCE(first_attempt_at, ?)", now),
				"attempt_count":    gorm.Expr("attempt_count + 1"),
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if task.ID == "" {
		return nil, nil
	}

	if err := s.db.WithContext(ctx).First(&task, "id = ?", task.ID).Error; err != nil {
		return nil, fmt.Errorf("reload claimed task: %w", err)
	}
	return &task, nil
}

func (s *JobStore) transition(ctx context.Context, id string, from []TaskState, updates map[string]any, verb string) error {
	res := s.db.WithContext(ctx).Model(&AssessmentTask{}).
		Where("id = ? AND state IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("%s task: %w", verb, res.Error)
	}
	if res.RowsAffected == 0 {
		task, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("%s task %s: %w", verb, id, ErrTaskNotFound)
		}
		return fmt.Errorf("%s task %s: task is %s", verb, id, task.State)
	}
	return nil
}

// Ack marks a running task as succeeded and releases its idempotency key.
func (s *JobStore) Ack(ctx context.Context, id, runID string) error {
	return s.transition(ctx, id, []TaskState{TaskStateRunning}, map[string]any{
		"state":           TaskStateSucceeded,
		"finished_at":     time.Now(),
		"run_id":          runID,
		"idempotency_key": nil,
	}, "ack")
}

// Nack requeues a running task for another attempt at retryAt.
func (s *JobStore) Nack(ctx context.Context, id string, retryAt time.Time, errMsg string) error {
	return s.transition(ctx, id, []TaskState{TaskStateRunning}, map[string]any{
		"state":        TaskStateQueued,
		"available_at": retryAt,
		"started_at":   nil,
		"last_error":   errMsg,
	}, "nack")
}

// Bury marks a queued or running task dead and releases its idempotency key.
func (s *JobStore) Bury(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, liveStates, map[string]any{
		"state":           TaskStateDead,
		"finished_at":     time.Now(),
		"last_error":      reason,
		"idempotency_key": nil,
	}, "bury")
}

// Cancel marks a queued task as canceled. Running tasks cannot be canceled.
func (s *JobStore) Cancel(ctx context.Context, id string) error {
	return s.transition(ctx, id, []TaskState{TaskStateQueued}, map[string]any{
		"state":           TaskStateCanceled,
		"finished_at":     time.Now(),
		"last_error":      "Canceled by user",
		"idempotency_key": nil,
	}, "cancel")
}

// Get retrieves a task by ID. It returns nil, nil when the task does not exist.
func (s *JobStore) Get(ctx context.Context, id string) (*AssessmentTask, error) {
	var task AssessmentTask
	if err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// List returns paginated tasks matching the given filter, newest first.
func (s *JobStore) List(ctx context.Context, filter TaskListFilter, pageSize int, pageToken string) ([]AssessmentTask, string, int, error) {
	pageSize = clampPageSize(pageSize)

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.Model(&AssessmentTask{})
		if filter.ArtifactID != "" {
			q = q.Where("artifact_id = ?", filter.ArtifactID)
		}
		if filter.PluginName != "" {
			q = q.Where("plugin_name = ?", filter.PluginName)
		}
		if filter.State != "" {
			q = q.Where("state = ?", filter.State)
		}
		if filter.RequestedBy != "" {
			q = q.Where("requested_by = ?", filter.RequestedBy)
		}
		return q
	}

	db := s.db.WithContext(ctx)
	var totalSize int64
	if err := buildQuery(db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count tasks: %w", err)
	}

	query := buildQuery(db).Order("requested_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("requested_at < ?", t)
	}

	var records []AssessmentTask
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list tasks: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].RequestedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}
	return records, nextToken, int(totalSize), nil
}

// CleanupStuck transitions running tasks whose worker went away (started_at
// older than claimTimeout) back to queued.
func (s *JobStore) CleanupStuck(ctx context.Context, claimTimeout time.Duration) (int64, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&AssessmentTask{}).
		Where("state = ? AND started_at < ?", TaskStateRunning, now.Add(-claimTimeout)).
		Updates(map[string]any{
			"state":        TaskStateQueued,
			"available_at": now,
			"started_at":   nil,
			"last_error":   "Timed out (stuck task recovery)",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup stuck tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteOlderThan removes terminal tasks finished before cutoff.
func (s *JobStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("state IN ? AND finished_at < ?", terminalStates, cutoff).
		Delete(&AssessmentTask{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

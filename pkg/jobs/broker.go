package jobs

import (
	"context"
	"errors"
	"time"
)

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// Broker is a durable at-least-once task queue.
type Broker interface {
	// Publish queues task. When task carries an idempotency key held by a
	// live (queued or running) task, that task is returned instead.
	Publish(ctx context.Context, task *AssessmentTask) (*AssessmentTask, error)
	// Claim moves the oldest available queued task to running. It returns
	// nil when nothing is available.
	Claim(ctx context.Context) (*AssessmentTask, error)
	// Ack marks a running task succeeded.
	Ack(ctx context.Context, id, runID string) error
	// Nack returns a running task to the queue, available again at retryAt.
	Nack(ctx context.Context, id string, retryAt time.Time, errMsg string) error
	// Bury marks a task dead. Buried tasks are never retried.
	Bury(ctx context.Context, id, reason string) error
	// CleanupStuck requeues tasks running for longer than claimTimeout.
	CleanupStuck(ctx context.Context, claimTimeout time.Duration) (int64, error)
	// DeleteOlderThan removes terminal tasks finished before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TaskListFilter defines filters for listing tasks.
type TaskListFilter struct {
	ArtifactID  string
	PluginName  string
	State       string
	RequestedBy string
}

func (f TaskListFilter) matches(t *AssessmentTask) bool {
	return (f.ArtifactID == "" || t.ArtifactID == f.ArtifactID) &&
		(f.PluginName == "" || t.PluginName == f.PluginName) &&
		(f.State == "" || string(t.State) == f.State) &&
		(f.RequestedBy == "" || t.RequestedBy == f.RequestedBy)
}

// TaskReader is the read side of a broker, served over HTTP.
type TaskReader interface {
	Get(ctx context.Context, id string) (*AssessmentTask, error)
	List(ctx context.Context, filter TaskListFilter, pageSize int, pageToken string) ([]AssessmentTask, string, int, error)
}

func clampPageSize(n int) int {
	if n <= 0 {
		return 20
	}
	if n > 100 {
		return 100
	}
	return n
}

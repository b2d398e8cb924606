package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/sbomify/assessments/pkg/assessment"
)

// TaskState represents the lifecycle state of an assessment task.
type TaskState string

const (
	TaskStateQueued    TaskState = "queued"
	TaskStateRunning   TaskState = "running"
	TaskStateSucceeded TaskState = "succeeded"
	TaskStateDead      TaskState = "dead"
	TaskStateCanceled  TaskState = "canceled"
)

var liveStates = []TaskState{TaskStateQueued, TaskStateRunning}

var terminalStates = []TaskState{TaskStateSucceeded, TaskStateDead, TaskStateCanceled}

// AssessmentTask is a queued invocation of the orchestrator.
type AssessmentTask struct {
	ID             string         `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	ArtifactID     string         `gorm:"column:artifact_id;index:idx_task_artifact;not null" json:"artifact_id"`
	PluginName     string         `gorm:"column:plugin_name;not null" json:"plugin_name"`
	RunReason      string         `gorm:"column:run_reason;not null" json:"run_reason"`
	Request        datatypes.JSON `gorm:"column:request;not null" json:"request"`
	State          TaskState      `gorm:"column:state;index:idx_task_state_available,priority:1;not null" json:"state"`
	AvailableAt    time.Time      `gorm:"column:available_at;index:idx_task_state_available,priority:2;not null" json:"available_at"`
	RequestedAt    time.Time      `gorm:"column:requested_at;not null" json:"requested_at"`
	RequestedBy    string         `gorm:"column:requested_by" json:"requested_by,omitempty"`
	FirstAttemptAt *time.Time     `gorm:"column:first_attempt_at" json:"first_attempt_at,omitempty"`
	StartedAt      *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt     *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	AttemptCount   int            `gorm:"column:attempt_count" json:"attempt_count"`
	LastError      string         `gorm:"column:last_error" json:"last_error,omitempty"`
	RunID          string         `gorm:"column:run_id" json:"run_id,omitempty"`
	// IdempotencyKey is NULL for tasks that may be duplicated and cleared
	// once a task is terminal, so only live tasks hold a key.
	IdempotencyKey *string `gorm:"column:idempotency_key;uniqueIndex:idx_task_idemp_key" json:"idempotency_key,omitempty"`
}

// TableName returns the GORM table name.
func (AssessmentTask) TableName() string { return "assessment_tasks" }

// BeforeCreate assigns an id.
func (t *AssessmentTask) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// IsTerminal returns true if the task is in a terminal state.
func (t *AssessmentTask) IsTerminal() bool {
	switch t.State {
	case TaskStateSucceeded, TaskStateDead, TaskStateCanceled:
		return true
	}
	return false
}

// RunRequest decodes the orchestrator request carried by the task.
func (t *AssessmentTask) RunRequest() (assessment.RunRequest, error) {
	var req assessment.RunRequest
	if err := json.Unmarshal(t.Request, &req); err != nil {
		return req, fmt.Errorf("decode task %s: %w", t.ID, err)
	}
	return req, nil
}

// NewTask builds a queued task for req.
func NewTask(req assessment.RunRequest, idempotencyKey string) (*AssessmentTask, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode run request: %w", err)
	}
	now := time.Now()
	t := &AssessmentTask{
		ArtifactID:  req.ArtifactID,
		PluginName:  req.PluginName,
		RunReason:   string(req.Reason),
		Request:     data,
		State:       TaskStateQueued,
		AvailableAt: now,
		RequestedAt: now,
	}
	if req.TriggeredBy != nil {
		t.RequestedBy = req.TriggeredBy.UserID
	}
	if idempotencyKey != "" {
		t.IdempotencyKey = &idempotencyKey
	}
	return t, nil
}

// OutboxDispatch is a task waiting to be handed to the broker. Rows are
// written in the transaction that makes the artifact durable, so the relay
// only sees them after commit.
type OutboxDispatch struct {
	ID             string         `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	ArtifactID     string         `gorm:"column:artifact_id;not null" json:"artifact_id"`
	PluginName     string         `gorm:"column:plugin_name;not null" json:"plugin_name"`
	Payload        datatypes.JSON `gorm:"column:payload;not null" json:"payload"`
	IdempotencyKey string         `gorm:"column:idempotency_key" json:"idempotency_key"`
	CreatedAt      time.Time      `gorm:"column:created_at;index:idx_outbox_pending,priority:2" json:"created_at"`
	DispatchedAt   *time.Time     `gorm:"column:dispatched_at;index:idx_outbox_pending,priority:1" json:"dispatched_at,omitempty"`
	TaskID         string         `gorm:"column:task_id" json:"task_id,omitempty"`
	Attempts       int            `gorm:"column:attempts" json:"attempts"`
	LastError      string         `gorm:"column:last_error" json:"last_error,omitempty"`
}

// TableName returns the GORM table name.
func (OutboxDispatch) TableName() string { return "outbox_dispatches" }

// BeforeCreate assigns an id.
func (o *OutboxDispatch) BeforeCreate(*gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	return nil
}

package assessment

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/sbomify/assessments/pkg/plugin"
)

// RunStatus is the lifecycle state of an assessment run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunReason records why a run was triggered.
type RunReason string

const (
	ReasonOnUpload         RunReason = "on_upload"
	ReasonManual           RunReason = "manual"
	ReasonScheduledRefresh RunReason = "scheduled_refresh"
	ReasonConfigChange     RunReason = "config_change"
	ReasonMigration        RunReason = "migration"
)

// Valid reports whether r is a known reason.
func (r RunReason) Valid() bool {
	switch r {
	case ReasonOnUpload, ReasonManual, ReasonScheduledRefresh, ReasonConfigChange, ReasonMigration:
		return true
	}
	return false
}

// AssessmentRun is the persisted record of one plugin execution against one
// artifact. Rows are never rewritten after reaching a terminal state.
type AssessmentRun struct {
	ID                  string          `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	ArtifactID          string          `gorm:"column:artifact_id;index:idx_run_artifact_plugin,priority:1;not null" json:"artifact_id"`
	PluginName          string          `gorm:"column:plugin_name;index:idx_run_artifact_plugin,priority:2;not null" json:"plugin_name"`
	PluginVersion       string          `gorm:"column:plugin_version;not null" json:"plugin_version"`
	PluginConfigHash    string          `gorm:"column:plugin_config_hash;not null" json:"plugin_config_hash"`
	Category            plugin.Category `gorm:"column:category" json:"category"`
	RunReason           RunReason       `gorm:"column:run_reason;not null" json:"run_reason"`
	Status              RunStatus       `gorm:"column:status;index:idx_run_status_started,priority:1;not null" json:"status"`
	InputContentDigest  string          `gorm:"column:input_content_digest;not null" json:"input_content_digest"`
	Result              datatypes.JSON  `gorm:"column:result" json:"result,omitempty"`
	ResultSchemaVersion string          `gorm:"column:result_schema_version" json:"result_schema_version,omitempty"`
	ErrorMessage        string          `gorm:"column:error_message" json:"error_message,omitempty"`
	StartedAt           *time.Time      `gorm:"column:started_at;index:idx_run_status_started,priority:2" json:"started_at,omitempty"`
	CompletedAt         *time.Time      `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt           time.Time       `gorm:"column:created_at;not null" json:"created_at"`
	TriggeredByUserID   string          `gorm:"column:triggered_by_user_id" json:"triggered_by_user_id,omitempty"`
	TriggeredByTokenID  string          `gorm:"column:triggered_by_token_id" json:"triggered_by_token_id,omitempty"`
}

// TableName returns the GORM table name.
func (AssessmentRun) TableName() string { return "assessment_runs" }

// BeforeCreate assigns an id.
func (r *AssessmentRun) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// IsTerminal returns true if the run is completed or failed.
func (r *AssessmentRun) IsTerminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}

// Key returns the idempotency key of the run.
func (r *AssessmentRun) Key() Key {
	return Key{
		ArtifactID:    r.ArtifactID,
		PluginName:    r.PluginName,
		ConfigHash:    r.PluginConfigHash,
		ContentDigest: r.InputContentDigest,
	}
}

// DecodeResult unmarshals the stored result document. It returns nil for
// runs without a result.
func (r *AssessmentRun) DecodeResult() (*plugin.Result, error) {
	if len(r.Result) == 0 {
		return nil, nil
	}
	var res plugin.Result
	if err := json.Unmarshal(r.Result, &res); err != nil {
		return nil, fmt.Errorf("decode result of run %s: %w", r.ID, err)
	}
	return &res, nil
}

// Key identifies runs that may be reused instead of re-executed.
type Key struct {
	ArtifactID    string
	PluginName    string
	ConfigHash    string
	ContentDigest string
}

package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbomify/assessments/pkg/assessment"
)

func TestTableNames(t *testing.T) {
	assert.Equal(t, "assessment_tasks", AssessmentTask{}.TableName())
	assert.Equal(t, "outbox_dispatches", OutboxDispatch{}.TableName())
}

func TestAssessmentTaskIsTerminal(t *testing.T) {
	tests := []struct {
		state    TaskState
		terminal bool
	}{
		{TaskStateQueued, false},
		{TaskStateRunning, false},
		{TaskStateSucceeded, true},
		{TaskStateDead, true},
		{TaskStateCanceled, true},
	}

	for _, tc := range tests {
		t.Run(string(tc.state), func(t *testing.T) {
			task := &AssessmentTask{State: tc.state}
			assert.Equal(t, tc.terminal, task.IsTerminal())
		})
	}
}

func TestNewTaskCarriesRequest(t *testing.T) {
	req := assessment.RunRequest{
		ArtifactID:     "sbom-1",
		PluginName:     "ntia",
		Reason:         assessment.ReasonManual,
		ConfigOverride: map[string]any{"strict": true},
		TriggeredBy:    &assessment.TriggeredBy{UserID: "alice", TokenID: "tok-1"},
	}

	task, err := NewTask(req, "sbom-1:ntia:abc")
	require.NoError(t, err)
	assert.Equal(t, TaskStateQueued, task.State)
	assert.Equal(t, "manual", task.RunReason)
	assert.Equal(t, "alice", task.RequestedBy)
	require.NotNil(t, task.IdempotencyKey)
	assert.Equal(t, "sbom-1:ntia:abc", *task.IdempotencyKey)

	decoded, err := task.RunRequest()
	require.NoError(t, err)
	assert.Equal(t, req.ArtifactID, decoded.ArtifactID)
	assert.Equal(t, req.Reason, decoded.Reason)
	assert.Equal(t, true, decoded.ConfigOverride["strict"])
	require.NotNil(t, decoded.TriggeredBy)
	assert.Equal(t, "tok-1", decoded.TriggeredBy.TokenID)
}

func TestNewTaskWithoutKey(t *testing.T) {
	task, err := NewTask(assessment.RunRequest{ArtifactID: "a", PluginName: "p", Reason: assessment.ReasonOnUpload}, "")
	require.NoError(t, err)
	assert.Nil(t, task.IdempotencyKey)
}

func TestRunRequestRejectsGarbage(t *testing.T) {
	task := &AssessmentTask{ID: "t1", Request: []byte("{not json")}
	_, err := task.RunRequest()
	assert.Error(t, err)
}

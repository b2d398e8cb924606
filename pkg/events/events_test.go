package events

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel(t *testing.T) {
	assert.Equal(t, "assessments:events:team-1", Channel("team-1"))
	assert.Equal(t, "assessments:events:_global", Channel(""))
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, p.Publish(context.Background(), Event{
		Type:       TypeAssessmentComplete,
		ArtifactID: "a1",
		PluginName: "ntia",
		Status:     "completed",
	}))
	assert.Contains(t, buf.String(), "type=assessment_complete")
	assert.Contains(t, buf.String(), "artifactID=a1")
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{}))
}

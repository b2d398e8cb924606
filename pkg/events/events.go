// Package events notifies interested parties (UI push, webhooks) about
// artifact and assessment lifecycle changes.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Type of an event.
type Type string

const (
	TypeDocumentUploaded   Type = "document_uploaded"
	TypeAssessmentComplete Type = "assessment_complete"
)

// Event is a lifecycle notification.
type Event struct {
	Type       Type      `json:"type"`
	TeamID     string    `json:"team_id,omitempty"`
	ArtifactID string    `json:"artifact_id"`
	RunID      string    `json:"run_id,omitempty"`
	PluginName string    `json:"plugin_name,omitempty"`
	Status     string    `json:"status,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher delivers events. Implementations must not block for long;
// callers treat failures as non-fatal.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// ChannelPrefix is prepended to the team id to form the Redis channel.
const ChannelPrefix = "assessments:events:"

// RedisPublisher publishes events as JSON on a per-team Redis channel.
type RedisPublisher struct {
	client redis.UniversalClient
}

// NewRedisPublisher wraps an existing client.
func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Channel returns the channel events for teamID are published on.
func Channel(teamID string) string {
	if teamID == "" {
		teamID = "_global"
	}
	return ChannelPrefix + teamID
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(e.TeamID), data).Err(); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Info("event",
		"type", e.Type,
		"teamID", e.TeamID,
		"artifactID", e.ArtifactID,
		"runID", e.RunID,
		"plugin", e.PluginName,
		"status", e.Status)
	return nil
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

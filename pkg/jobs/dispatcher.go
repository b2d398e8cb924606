package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"

	"github.com/sbomify/assessments/pkg/assessment"
)

// pendingChunk bounds the IN list of PendingArtifacts.
const pendingChunk = 500

// PluginSelector resolves the plugins a team runs, reading through tx when
// the caller is inside a transaction.
type PluginSelector interface {
	EffectivePluginsTx(ctx context.Context, tx *gorm.DB, teamID string) ([]string, error)
}

// Dispatcher writes assessment requests to the outbox. Nothing reaches the
// broker until the enclosing transaction commits and the Relay picks the
// rows up.
type Dispatcher struct {
	db      *gorm.DB
	plugins PluginSelector
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(db *gorm.DB, plugins PluginSelector, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{db: db, plugins: plugins, logger: logger}
}

// DedupKey is the enqueue-time idempotency key of a request: requests for
// the same artifact, plugin and override collapse while one is live. Manual
// requests also carry the requester, so an operator trigger never folds into
// an automatic task and loses its attribution.
func DedupKey(req assessment.RunRequest) (string, error) {
	h, err := assessment.ConfigHash(req.ConfigOverride)
	if err != nil {
		return "", err
	}
	key := req.ArtifactID + ":" + req.PluginName + ":" + h
	if req.Reason == assessment.ReasonManual {
		key += ":manual"
		if req.TriggeredBy != nil {
			key += ":" + req.TriggeredBy.UserID + ":" + req.TriggeredBy.TokenID
		}
	}
	return key, nil
}

// EnqueueAssessment records req in the outbox inside tx. A nil tx writes
// in its own transaction.
func (d *Dispatcher) EnqueueAssessment(ctx context.Context, tx *gorm.DB, req assessment.RunRequest) (*OutboxDispatch, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	key, err := DedupKey(req)
	if err != nil {
		return nil, fmt.Errorf("enqueue assessment: %w", err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("enqueue assessment: %w", err)
	}
	row := &OutboxDispatch{
		ArtifactID:     req.ArtifactID,
		PluginName:     req.PluginName,
		Payload:        payload,
		IdempotencyKey: key,
	}

	if tx == nil {
		tx = d.db
	}
	if err := tx.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("enqueue assessment: %w", err)
	}
	d.logger.Debug("assessment enqueued",
		"artifactID", req.ArtifactID, "plugin", req.PluginName, "reason", req.Reason, "outboxID", row.ID)
	return row, nil
}

// EnqueueAssessmentsForSBOM enqueues every effective plugin of teamID for
// artifactID and returns the plugin names enqueued. Plugins missing from
// the registry or disabled globally are skipped with a warning.
func (d *Dispatcher) EnqueueAssessmentsForSBOM(ctx context.Context, tx *gorm.DB, artifactID, teamID string, reason assessment.RunReason) ([]string, error) {
	names, err := d.plugins.EffectivePluginsTx(ctx, tx, teamID)
	if err != nil {
		return nil, fmt.Errorf("resolve team plugins: %w", err)
	}

	enqueued := make([]string, 0, len(names))
	for _, name := range names {
		_, err := d.EnqueueAssessment(ctx, tx, assessment.RunRequest{
			ArtifactID: artifactID,
			PluginName: name,
			Reason:     reason,
		})
		if err != nil {
			return nil, err
		}
		enqueued = append(enqueued, name)
	}
	d.logger.Info("assessments enqueued for artifact",
		"artifactID", artifactID, "teamID", teamID, "reason", reason, "plugins", enqueued)
	return enqueued, nil
}

// EnqueueBackfill enqueues a config-change assessment. It serves team
// settings backfill.
func (d *Dispatcher) EnqueueBackfill(ctx context.Context, tx *gorm.DB, artifactID, pluginName string) error {
	_, err := d.EnqueueAssessment(ctx, tx, assessment.RunRequest{
		ArtifactID: artifactID,
		PluginName: pluginName,
		Reason:     assessment.ReasonConfigChange,
	})
	return err
}

// PendingArtifacts returns the subset of artifactIDs with an undispatched
// outbox row for pluginName, read through tx.
func (d *Dispatcher) PendingArtifacts(ctx context.Context, tx *gorm.DB, pluginName string, artifactIDs []string) (mapset.Set[string], error) {
	if tx == nil {
		tx = d.db
	}
	out := mapset.NewThreadUnsafeSet[string]()
	for start := 0; start < len(artifactIDs); start += pendingChunk {
		end := min(start+pendingChunk, len(artifactIDs))
		var ids []string
		err := tx.WithContext(ctx).Model(&OutboxDispatch{}).
			Where("dispatched_at IS NULL AND plugin_name = ? AND artifact_id IN ?", pluginName, artifactIDs[start:end]).
			Distinct().
			Pluck("artifact_id", &ids).Error
		if err != nil {
			return nil, fmt.Errorf("find pending requests: %w", err)
		}
		out.Append(ids...)
	}
	return out, nil
}

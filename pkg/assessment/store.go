package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sbomify/assessments/pkg/plugin"
)

// DedupIndexName names the partial unique index that allows at most one
// live (non-failed) run per idempotency key.
const DedupIndexName = "idx_assessment_runs_dedup"

// ErrRunNotRunning is returned when a terminal transition finds the run no
// longer in the running state.
var ErrRunNotRunning = errors.New("assessment run is not running")

// CreateDedupIndex creates the partial unique index backing the dedup and
// race contract. PostgreSQL and SQLite both support partial indexes.
func CreateDedupIndex(db *gorm.DB) error {
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ` + DedupIndexName + `
		ON assessment_runs (artifact_id, plugin_name, plugin_config_hash, input_content_digest)
		WHERE status <> 'failed'`).Error
}

// RunStore provides database operations for assessment runs.
type RunStore struct {
	db *gorm.DB
}

// NewRunStore creates a RunStore.
func NewRunStore(db *gorm.DB) *RunStore {
	return &RunStore{db: db}
}

// AutoMigrate creates or updates the assessment_runs table and its dedup index.
func (s *RunStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&AssessmentRun{}); err != nil {
		return err
	}
	return CreateDedupIndex(s.db)
}

func liveRunQuery(tx *gorm.DB, k Key) *gorm.DB {
	return tx.Where("artifact_id = ? AND plugin_name = ? AND plugin_config_hash = ? AND input_content_digest = ? AND status <> ?",
		k.ArtifactID, k.PluginName, k.ConfigHash, k.ContentDigest, RunStatusFailed).
		Order("created_at ASC")
}

// Begin performs the dedup check and, when no live run holds the key of
// candidate, inserts candidate as pending and promotes it to running, all in
// one transaction. It returns the run the caller should report and whether
// the caller now owns execution.
//
// A live run is returned unchanged: a completed one is a dedup hit, a
// pending or running one belongs to another worker. A running run older
// than staleAfter is marked failed and replaced. When a concurrent insert
// wins the unique index, the winner is read back and returned.
func (s *RunStore) Begin(ctx context.Context, candidate *AssessmentRun, staleAfter time.Duration) (*AssessmentRun, bool, error) {
	key := candidate.Key()
	var (
		run     *AssessmentRun
		started bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := liveRunQuery(tx, key)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var existing AssessmentRun
		err := q.First(&existing).Error
		switch {
		case err == nil:
			if !isStale(&existing, staleAfter) {
				run = &existing
				return nil
			}
			if err := failRun(tx, &existing, "abandoned: no progress within "+staleAfter.String()); err != nil {
				return err
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("check existing run: %w", err)
		}

		candidate.Status = RunStatusPending
		if err := tx.Create(candidate).Error; err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		now := time.Now()
		res := tx.Model(&AssessmentRun{}).
			Where("id = ? AND status = ?", candidate.ID, RunStatusPending).
			Updates(map[string]any{"status": RunStatusRunning, "started_at": now})
		if res.Error != nil {
			return fmt.Errorf("start run: %w", res.Error)
		}
		candidate.Status = RunStatusRunning
		candidate.StartedAt = &now
		run = candidate
		started = true
		return nil
	})
	if err != nil {
		if IsUniqueViolation(err) {
			// Lost the race; the transaction is gone so read the winner afresh.
			var winner AssessmentRun
			if lookupErr := liveRunQuery(s.db.WithContext(ctx), key).First(&winner).Error; lookupErr == nil {
				return &winner, false, nil
			}
		}
		return nil, false, fmt.Errorf("begin assessment run: %w", err)
	}
	return run, started, nil
}

func isStale(r *AssessmentRun, staleAfter time.Duration) bool {
	if staleAfter <= 0 || r.Status == RunStatusCompleted {
		return false
	}
	since := r.CreatedAt
	if r.StartedAt != nil {
		since = *r.StartedAt
	}
	return time.Since(since) > staleAfter
}

func failRun(tx *gorm.DB, r *AssessmentRun, msg string) error {
	now := time.Now()
	res := tx.Model(&AssessmentRun{}).
		Where("id = ? AND status IN ?", r.ID, []RunStatus{RunStatusPending, RunStatusRunning}).
		Updates(map[string]any{
			"status":        RunStatusFailed,
			"error_message": msg,
			"completed_at":  now,
		})
	if res.Error != nil {
		return fmt.Errorf("fail run: %w", res.Error)
	}
	return nil
}

// IsUniqueViolation reports whether err is a unique-constraint violation
// from PostgreSQL or SQLite.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

// Complete stores result on a running run and marks it completed.
func (s *RunStore) Complete(ctx context.Context, id string, result *plugin.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&AssessmentRun{}).
		Where("id = ? AND status = ?", id, RunStatusRunning).
		Updates(map[string]any{
			"status":                RunStatusCompleted,
			"result":                data,
			"result_schema_version": result.SchemaVersion,
			"completed_at":          now,
		})
	if res.Error != nil {
		return fmt.Errorf("complete run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("complete run %s: %w", id, ErrRunNotRunning)
	}
	return nil
}

// Fail marks a running run failed with msg.
func (s *RunStore) Fail(ctx context.Context, id, msg string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&AssessmentRun{}).
		Where("id = ? AND status = ?", id, RunStatusRunning).
		Updates(map[string]any{
			"status":        RunStatusFailed,
			"error_message": msg,
			"completed_at":  now,
		})
	if res.Error != nil {
		return fmt.Errorf("fail run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("fail run %s: %w", id, ErrRunNotRunning)
	}
	return nil
}

// Get retrieves a run by id. It returns nil, nil when the run does not exist.
func (s *RunStore) Get(ctx context.Context, id string) (*AssessmentRun, error) {
	var run AssessmentRun
	if err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

// ListByArtifact returns the runs of an artifact, newest first.
func (s *RunStore) ListByArtifact(ctx context.Context, artifactID string) ([]AssessmentRun, error) {
	var runs []AssessmentRun
	err := s.db.WithContext(ctx).
		Where("artifact_id = ?", artifactID).
		Order("created_at DESC").
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// LatestByArtifact returns the newest run per plugin for an artifact.
func (s *RunStore) LatestByArtifact(ctx context.Context, artifactID string) (map[string]AssessmentRun, error) {
	runs, err := s.ListByArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]AssessmentRun, len(runs))
	for _, r := range runs {
		if _, ok := latest[r.PluginName]; !ok {
			latest[r.PluginName] = r
		}
	}
	return latest, nil
}

// inChunk keeps IN lists under SQLite's bound-parameter limit.
const inChunk = 500

// ArtifactsWithRuns returns the subset of artifactIDs that have at least one
// run of pluginName, in any status.
func (s *RunStore) ArtifactsWithRuns(ctx context.Context, pluginName string, artifactIDs []string) (mapset.Set[string], error) {
	return s.ArtifactsWithRunsTx(ctx, nil, pluginName, artifactIDs)
}

// ArtifactsWithRunsTx is ArtifactsWithRuns read through tx. A nil tx uses
// the store's own handle.
func (s *RunStore) ArtifactsWithRunsTx(ctx context.Context, tx *gorm.DB, pluginName string, artifactIDs []string) (mapset.Set[string], error) {
	if tx == nil {
		tx = s.db
	}
	out := mapset.NewThreadUnsafeSet[string]()
	for start := 0; start < len(artifactIDs); start += inChunk {
		end := min(start+inChunk, len(artifactIDs))
		var ids []string
		err := tx.WithContext(ctx).Model(&AssessmentRun{}).
			Where("plugin_name = ? AND artifact_id IN ?", pluginName, artifactIDs[start:end]).
			Distinct().
			Pluck("artifact_id", &ids).Error
		if err != nil {
			return nil, fmt.Errorf("find artifacts with runs: %w", err)
		}
		out.Append(ids...)
	}
	return out, nil
}

// FailStale marks pending or running runs that started before cutoff as
// failed, releasing their idempotency key.
func (s *RunStore) FailStale(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&AssessmentRun{}).
		Where("status IN ? AND COALESCE(started_at, created_at) < ?",
			[]RunStatus{RunStatusPending, RunStatusRunning}, cutoff).
		Updates(map[string]any{
			"status":        RunStatusFailed,
			"error_message": "abandoned: exceeded stale run timeout",
			"completed_at":  now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("fail stale runs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

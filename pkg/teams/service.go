// Package teams manages which plugins each team runs and with what config.
package teams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sbomify/assessments/pkg/metrics"
	"github.com/sbomify/assessments/pkg/plugin"
	"github.com/sbomify/assessments/pkg/registry"
	"github.com/sbomify/assessments/pkg/storage"
)

// RunIndex answers, through tx, which artifacts already have a run of a
// plugin.
type RunIndex interface {
	ArtifactsWithRunsTx(ctx context.Context, tx *gorm.DB, pluginName string, artifactIDs []string) (mapset.Set[string], error)
}

// Backfiller enqueues a config-change assessment inside tx and reports the
// artifacts whose request for a plugin is still waiting to be dispatched.
type Backfiller interface {
	EnqueueBackfill(ctx context.Context, tx *gorm.DB, artifactID, pluginName string) error
	PendingArtifacts(ctx context.Context, tx *gorm.DB, pluginName string, artifactIDs []string) (mapset.Set[string], error)
}

// Service is the team plugin settings service.
type Service struct {
	db        *gorm.DB
	plugins   *registry.Registry
	artifacts storage.ArtifactLister
	runs      RunIndex
	backfill  Backfiller
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithBackfill enables backfill on settings updates.
func WithBackfill(artifacts storage.ArtifactLister, runs RunIndex, b Backfiller) Option {
	return func(s *Service) {
		s.artifacts = artifacts
		s.runs = runs
		s.backfill = b
	}
}

// WithMetrics records skipped plugins.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service.
func NewService(db *gorm.DB, plugins *registry.Registry, opts ...Option) *Service {
	s := &Service{db: db, plugins: plugins, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithTx returns a copy of the service that reads through tx, so callers
// already inside a transaction see their own writes.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	cp := *s
	cp.db = tx
	cp.plugins = s.plugins.WithTx(tx)
	return &cp
}

// EffectivePluginsTx is EffectivePlugins read through tx. A nil tx uses the
// service's own handle.
func (s *Service) EffectivePluginsTx(ctx context.Context, tx *gorm.DB, teamID string) ([]string, error) {
	if tx == nil {
		return s.EffectivePlugins(ctx, teamID)
	}
	return s.WithTx(tx).EffectivePlugins(ctx, teamID)
}

// Get returns the settings of a team, or nil when the team has none.
func (s *Service) Get(ctx context.Context, teamID string) (*TeamPluginSettings, error) {
	var settings TeamPluginSettings
	err := s.db.WithContext(ctx).First(&settings, "team_id = ?", teamID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get team settings: %w", err)
	}
	return &settings, nil
}

// ListTeamIDs returns every team with stored settings.
func (s *Service) ListTeamIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&TeamPluginSettings{}).Order("team_id").Pluck("team_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	return ids, nil
}

// EffectivePlugins returns the team's enabled plugins that are registered
// and globally enabled, in the team's order. Other names are skipped with a
// warning.
func (s *Service) EffectivePlugins(ctx context.Context, teamID string) ([]string, error) {
	settings, err := s.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return nil, nil
	}
	return s.effective(ctx, teamID, settings.EnabledPlugins)
}

func (s *Service) effective(ctx context.Context, teamID string, enabled []string) ([]string, error) {
	if len(enabled) == 0 {
		return nil, nil
	}
	rows, err := s.plugins.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enabled plugins: %w", err)
	}
	global := mapset.NewThreadUnsafeSet[string]()
	for _, r := range rows {
		global.Add(r.Name)
	}

	var out []string
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, name := range enabled {
		if !seen.Add(name) {
			continue
		}
		if !global.Contains(name) {
			s.logger.Warn("skipping plugin not enabled in registry", "teamID", teamID, "plugin", name)
			s.metrics.Skipped(name)
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

// TeamOverride returns the team's config override for a plugin, or nil.
func (s *Service) TeamOverride(ctx context.Context, teamID, pluginName string) (map[string]any, error) {
	settings, err := s.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	return settings.Override(pluginName), nil
}

// PluginConfig returns the registry default config of a plugin deep-merged
// with the team's override. Override values win per key.
func (s *Service) PluginConfig(ctx context.Context, teamID, pluginName string) (plugin.Config, error) {
	entry, err := s.plugins.Get(ctx, pluginName)
	if err != nil {
		return nil, err
	}
	override, err := s.TeamOverride(ctx, teamID, pluginName)
	if err != nil {
		return nil, err
	}
	return plugin.MergeConfig(entry.DefaultConfig, override), nil
}

// UpdateResult reports what a settings update changed.
type UpdateResult struct {
	Settings *TeamPluginSettings
	// NewlyEnabled lists effective plugins that were not effective before.
	NewlyEnabled []string
	// Backfilled maps each newly enabled plugin to the artifacts enqueued.
	Backfilled map[string][]string
}

// BackfillCount returns the number of backfill tasks enqueued.
func (r *UpdateResult) BackfillCount() int {
	n := 0
	for _, ids := range r.Backfilled {
		n += len(ids)
	}
	return n
}

// UpdateSettings replaces the team's enabled plugins and config overrides.
// When the effective plugin set grows, every artifact of the team without
// any run of a newly enabled plugin is enqueued in the same transaction as
// the settings write. Failed runs count as runs.
func (s *Service) UpdateSettings(ctx context.Context, teamID string, enabled []string, overrides map[string]map[string]any) (*UpdateResult, error) {
	if teamID == "" {
		return nil, errors.New("update team settings: team id is required")
	}
	for _, name := range enabled {
		if name == "" {
			return nil, errors.New("update team settings: empty plugin name")
		}
	}

	var ids []string
	if s.backfill != nil {
		var err error
		if ids, err = s.artifacts.ListTeamArtifacts(ctx, teamID); err != nil {
			return nil, fmt.Errorf("list team artifacts: %w", err)
		}
	}

	cfg := make(map[string]any, len(overrides))
	for name, o := range overrides {
		cfg[name] = o
	}
	settings := &TeamPluginSettings{
		TeamID:         teamID,
		EnabledPlugins: dedupe(enabled),
		PluginConfig:   cfg,
	}

	// The previous settings, the backfill plan and the writes share one
	// transaction, so overlapping updates cannot plan the same artifacts.
	var result *UpdateResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txs := s.WithTx(tx)
		var prev TeamPluginSettings
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("team_id = ?", teamID).Limit(1).Find(&prev).Error
		if err != nil {
			return fmt.Errorf("get team settings: %w", err)
		}
		before, err := txs.effective(ctx, teamID, prev.EnabledPlugins)
		if err != nil {
			return err
		}
		after, err := txs.effective(ctx, teamID, enabled)
		if err != nil {
			return err
		}
		newly := mapset.NewThreadUnsafeSet(after...).Difference(mapset.NewThreadUnsafeSet(before...)).ToSlice()
		sort.Strings(newly)

		plan, err := s.planBackfill(ctx, tx, ids, newly)
		if err != nil {
			return err
		}

		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "team_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"enabled_plugins", "plugin_config", "updated_at"}),
		}).Create(settings).Error
		if err != nil {
			return fmt.Errorf("save team settings: %w", err)
		}
		for _, name := range newly {
			for _, artifactID := range plan[name] {
				if err := s.backfill.EnqueueBackfill(ctx, tx, artifactID, name); err != nil {
					return fmt.Errorf("enqueue backfill %s/%s: %w", artifactID, name, err)
				}
			}
		}
		result = &UpdateResult{Settings: settings, NewlyEnabled: newly, Backfilled: plan}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(result.NewlyEnabled) > 0 {
		s.logger.Info("team settings updated",
			"teamID", teamID, "newlyEnabled", result.NewlyEnabled, "backfilled", result.BackfillCount())
	}
	return result, nil
}

// planBackfill picks, per newly enabled plugin, the artifacts with neither a
// run nor a request still waiting in the outbox.
func (s *Service) planBackfill(ctx context.Context, tx *gorm.DB, ids, newly []string) (map[string][]string, error) {
	plan := make(map[string][]string, len(newly))
	if len(newly) == 0 || s.backfill == nil || len(ids) == 0 {
		return plan, nil
	}
	for _, name := range newly {
		have, err := s.runs.ArtifactsWithRunsTx(ctx, tx, name, ids)
		if err != nil {
			return nil, err
		}
		pending, err := s.backfill.PendingArtifacts(ctx, tx, name, ids)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if !have.Contains(id) && !pending.Contains(id) {
				plan[name] = append(plan[name], id)
			}
		}
	}
	return plan, nil
}

func dedupe(names []string) []string {
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]string, 0, len(names))
	for _, n := range names {
		if seen.Add(n) {
			out = append(out, n)
		}
	}
	return out
}

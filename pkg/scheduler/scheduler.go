// Package scheduler re-runs time-sensitive plugins on a cron schedule so
// that results such as vulnerability scans track upstream data changes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/sbomify/assessments/pkg/assessment"
	"github.com/sbomify/assessments/pkg/jobs"
	"github.com/sbomify/assessments/pkg/plugin"
	"github.com/sbomify/assessments/pkg/registry"
	"github.com/sbomify/assessments/pkg/storage"
)

// RefreshWindowKey is the reserved override key that makes each scheduled
// refresh hash to a new config, so the previous window's completed run is
// not returned as a dedup hit. Plugins never see it.
const RefreshWindowKey = plugin.ReservedPrefix + "refresh_window"

// TeamSource enumerates teams and the plugins each one runs.
type TeamSource interface {
	ListTeamIDs(ctx context.Context) ([]string, error)
	EffectivePlugins(ctx context.Context, teamID string) ([]string, error)
}

// PluginCatalog lists the globally enabled plugins with their categories.
type PluginCatalog interface {
	ListEnabled(ctx context.Context) ([]registry.RegisteredPlugin, error)
}

// Enqueuer writes one assessment request to the outbox.
type Enqueuer interface {
	EnqueueAssessment(ctx context.Context, tx *gorm.DB, req assessment.RunRequest) (*jobs.OutboxDispatch, error)
}

// Config controls the refresh schedule.
type Config struct {
	// Spec is a cron expression or descriptor such as "@daily".
	Spec string
	// Categories selects which plugins are refreshed.
	Categories []string
}

// DefaultConfig refreshes security plugins daily.
func DefaultConfig() Config {
	return Config{Spec: "@daily", Categories: []string{string(plugin.CategorySecurity)}}
}

// Refresher enqueues scheduled_refresh assessments.
type Refresher struct {
	cfg       Config
	teams     TeamSource
	plugins   PluginCatalog
	artifacts storage.ArtifactLister
	enqueuer  Enqueuer
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Refresher.
func New(cfg Config, teams TeamSource, plugins PluginCatalog, artifacts storage.ArtifactLister, enqueuer Enqueuer, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Spec == "" {
		cfg.Spec = DefaultConfig().Spec
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = DefaultConfig().Categories
	}
	return &Refresher{
		cfg:       cfg,
		teams:     teams,
		plugins:   plugins,
		artifacts: artifacts,
		enqueuer:  enqueuer,
		logger:    logger,
		now:       time.Now,
	}
}

var specParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSpec reports whether spec parses as a schedule.
func ValidateSpec(spec string) error {
	_, err := specParser.Parse(spec)
	return err
}

// Run schedules refreshes until ctx is cancelled. It is meant to run on a
// single replica.
func (r *Refresher) Run(ctx context.Context) {
	c := cron.New(
		cron.WithParser(specParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		cron.WithLocation(time.UTC),
	)
	_, err := c.AddFunc(r.cfg.Spec, func() {
		n, err := r.RefreshOnce(ctx)
		if err != nil {
			r.logger.Error("scheduled refresh failed", "enqueued", n, "error", err)
			return
		}
		r.logger.Info("scheduled refresh enqueued", "enqueued", n)
	})
	if err != nil {
		r.logger.Error("invalid refresh schedule", "spec", r.cfg.Spec, "error", err)
		return
	}

	c.Start()
	r.logger.Info("refresh scheduler started", "spec", r.cfg.Spec, "categories", r.cfg.Categories)
	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("refresh scheduler stopped")
}

// RefreshOnce enqueues a scheduled_refresh for every artifact of every team
// and every effective plugin in a refreshed category. It returns the number
// of requests enqueued. Failures for one team do not stop the others.
func (r *Refresher) RefreshOnce(ctx context.Context) (int, error) {
	eligible, err := r.eligiblePlugins(ctx)
	if err != nil {
		return 0, err
	}
	if eligible.Cardinality() == 0 {
		r.logger.Debug("no plugins in refreshed categories", "categories", r.cfg.Categories)
		return 0, nil
	}

	teamIDs, err := r.teams.ListTeamIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list teams: %w", err)
	}

	window := r.now().UTC().Truncate(time.Minute).Format(time.RFC3339)
	total := 0
	var errs []error
	for _, teamID := range teamIDs {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := r.refreshTeam(ctx, teamID, eligible, window)
		total += n
		if err != nil {
			r.logger.Warn("refresh team failed", "teamID", teamID, "error", err)
			errs = append(errs, fmt.Errorf("team %s: %w", teamID, err))
		}
	}
	return total, errors.Join(errs...)
}

func (r *Refresher) eligiblePlugins(ctx context.Context) (mapset.Set[string], error) {
	rows, err := r.plugins.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	categories := mapset.NewThreadUnsafeSet(r.cfg.Categories...)
	out := mapset.NewThreadUnsafeSet[string]()
	for _, p := range rows {
		if categories.Contains(string(p.Category)) {
			out.Add(p.Name)
		}
	}
	return out, nil
}

func (r *Refresher) refreshTeam(ctx context.Context, teamID string, eligible mapset.Set[string], window string) (int, error) {
	names, err := r.teams.EffectivePlugins(ctx, teamID)
	if err != nil {
		return 0, err
	}
	var selected []string
	for _, name := range names {
		if eligible.Contains(name) {
			selected = append(selected, name)
		}
	}
	if len(selected) == 0 {
		return 0, nil
	}

	artifactIDs, err := r.artifacts.ListTeamArtifacts(ctx, teamID)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, artifactID := range artifactIDs {
		for _, name := range selected {
			_, err := r.enqueuer.EnqueueAssessment(ctx, nil, assessment.RunRequest{
				ArtifactID:     artifactID,
				PluginName:     name,
				Reason:         assessment.ReasonScheduledRefresh,
				ConfigOverride: map[string]any{RefreshWindowKey: window},
			})
			if err != nil {
				return n, err
			}
			n++
		}
	}
	r.logger.Debug("team refreshed", "teamID", teamID, "artifacts", len(artifactIDs), "plugins", selected)
	return n, nil
}

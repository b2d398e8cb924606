// Package assessment executes plugins against artifacts and owns the
// persisted record of every execution.
package assessment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sbomify/assessments/pkg/events"
	"github.com/sbomify/assessments/pkg/metrics"
	"github.com/sbomify/assessments/pkg/plugin"
	"github.com/sbomify/assessments/pkg/registry"
	"github.com/sbomify/assessments/pkg/storage"
)

// ErrInvalidRequest is returned for requests that can never succeed.
var ErrInvalidRequest = errors.New("invalid assessment request")

// IsTerminal reports whether err must not be retried: the plugin is unknown
// or disabled, the artifact is gone, or the request itself is malformed.
// Every other error returned by RunAssessmentByName is an infrastructure
// failure.
func IsTerminal(err error) bool {
	return errors.Is(err, registry.ErrPluginNotFound) ||
		errors.Is(err, storage.ErrArtifactNotFound) ||
		errors.Is(err, ErrInvalidRequest)
}

// PluginResolver maps a plugin name to an instance and its catalog entry.
type PluginResolver interface {
	Resolve(ctx context.Context, name string) (plugin.Plugin, *registry.RegisteredPlugin, error)
}

// ConfigOverrides supplies the per-team config override of a plugin.
type ConfigOverrides interface {
	TeamOverride(ctx context.Context, teamID, pluginName string) (map[string]any, error)
}

// TriggeredBy identifies the operator behind a manual run.
type TriggeredBy struct {
	UserID  string `json:"user_id,omitempty"`
	TokenID string `json:"token_id,omitempty"`
}

// RunRequest names one plugin execution.
type RunRequest struct {
	ArtifactID     string         `json:"artifact_id"`
	PluginName     string         `json:"plugin_name"`
	Reason         RunReason      `json:"run_reason"`
	ConfigOverride map[string]any `json:"config_override,omitempty"`
	TriggeredBy    *TriggeredBy   `json:"triggered_by,omitempty"`
}

// Validate checks the request shape.
func (r RunRequest) Validate() error {
	if r.ArtifactID == "" {
		return fmt.Errorf("%w: artifact id is required", ErrInvalidRequest)
	}
	if r.PluginName == "" {
		return fmt.Errorf("%w: plugin name is required", ErrInvalidRequest)
	}
	if !r.Reason.Valid() {
		return fmt.Errorf("%w: unknown run reason %q", ErrInvalidRequest, r.Reason)
	}
	return nil
}

// Config bounds plugin execution.
type Config struct {
	// PluginTimeout caps a single Assess call. Zero disables the cap.
	PluginTimeout time.Duration
	// StaleRunTimeout is how long a run may stay running before another
	// invocation treats it as abandoned.
	StaleRunTimeout time.Duration
	// PersistAttempts bounds the writes of a finished run's outcome. When
	// every attempt fails the run is failed so a retry starts afresh.
	PersistAttempts int
	// PersistBackoff is the initial delay between persist attempts.
	PersistBackoff time.Duration
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		PluginTimeout:   5 * time.Minute,
		StaleRunTimeout: 30 * time.Minute,
		PersistAttempts: 3,
		PersistBackoff:  200 * time.Millisecond,
	}
}

// Deps are the collaborators of an Orchestrator. Overrides, Events, Metrics
// and Logger are optional.
type Deps struct {
	Runs      *RunStore
	Plugins   PluginResolver
	Artifacts storage.ArtifactSource
	Overrides ConfigOverrides
	Events    events.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Orchestrator resolves, executes and records plugin runs.
type Orchestrator struct {
	runs      *RunStore
	plugins   PluginResolver
	artifacts storage.ArtifactSource
	overrides ConfigOverrides
	events    events.Publisher
	metrics   *metrics.Metrics
	config    Config
	logger    *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(d Deps, cfg Config) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	return &Orchestrator{
		runs:      d.Runs,
		plugins:   d.Plugins,
		artifacts: d.Artifacts,
		overrides: d.Overrides,
		events:    d.Events,
		metrics:   d.Metrics,
		config:    cfg,
		logger:    d.Logger,
	}
}

// Runs returns the run store.
func (o *Orchestrator) Runs() *RunStore { return o.runs }

// RunAssessmentByName executes one plugin against one artifact and returns
// the resulting run.
//
// Identical artifact bytes, plugin and effective config never execute
// twice: an existing live run is returned instead. Plugin failures are
// recorded on the run and not returned. Returned errors are either terminal
// (see IsTerminal) or infrastructure failures worth retrying.
func (o *Orchestrator) RunAssessmentByName(ctx context.Context, req RunRequest) (*AssessmentRun, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p, entry, err := o.plugins.Resolve(ctx, req.PluginName)
	if err != nil {
		return nil, fmt.Errorf("resolve plugin %q: %w", req.PluginName, err)
	}

	art, err := o.artifacts.FetchArtifact(ctx, req.ArtifactID)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact %s: %w", req.ArtifactID, err)
	}

	var teamOverride map[string]any
	if o.overrides != nil && art.TeamID != "" {
		teamOverride, err = o.overrides.TeamOverride(ctx, art.TeamID, req.PluginName)
		if err != nil {
			return nil, fmt.Errorf("load team config: %w", err)
		}
	}
	cfg := plugin.MergeConfig(entry.DefaultConfig, teamOverride, req.ConfigOverride)
	cfgHash, err := ConfigHash(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	candidate := &AssessmentRun{
		ArtifactID:         req.ArtifactID,
		PluginName:         p.Name(),
		PluginVersion:      p.Version(),
		PluginConfigHash:   cfgHash,
		Category:           p.Category(),
		RunReason:          req.Reason,
		InputContentDigest: ContentDigest(art.Data),
	}
	if req.TriggeredBy != nil {
		candidate.TriggeredByUserID = req.TriggeredBy.UserID
		candidate.TriggeredByTokenID = req.TriggeredBy.TokenID
	}

	run, started, err := o.runs.Begin(ctx, candidate, o.config.StaleRunTimeout)
	if err != nil {
		return nil, err
	}
	if !started {
		if run.Status == RunStatusCompleted {
			o.metrics.DedupHit(run.PluginName)
		}
		o.logger.Debug("reusing existing assessment run",
			"runID", run.ID, "artifactID", run.ArtifactID, "plugin", run.PluginName, "status", run.Status)
		return run, nil
	}

	o.logger.Info("running assessment",
		"runID", run.ID, "artifactID", run.ArtifactID, "plugin", run.PluginName, "reason", run.RunReason)

	begin := time.Now()
	result, execErr := o.execute(ctx, p, art, cfg.Public())
	elapsed := time.Since(begin)

	if ctx.Err() != nil {
		// The worker is going away; release the key so a retry can run.
		cleanup := context.WithoutCancel(ctx)
		if err := o.runs.Fail(cleanup, run.ID, "interrupted: "+ctx.Err().Error()); err != nil {
			o.logger.Warn("failed to mark interrupted run", "runID", run.ID, "error", err)
		}
		o.metrics.ObserveRun(run.PluginName, string(RunStatusFailed), elapsed)
		return nil, fmt.Errorf("assessment %s interrupted: %w", run.ID, ctx.Err())
	}

	var finish func(context.Context) error
	if execErr != nil {
		o.logger.Warn("assessment failed",
			"runID", run.ID, "artifactID", run.ArtifactID, "plugin", run.PluginName, "error", execErr)
		finish = func(ctx context.Context) error { return o.runs.Fail(ctx, run.ID, execErr.Error()) }
	} else {
		result.Normalize(p)
		finish = func(ctx context.Context) error { return o.runs.Complete(ctx, run.ID, result) }
	}
	err = o.persist(ctx, finish)
	if err != nil && !errors.Is(err, ErrRunNotRunning) {
		// Leaving the row running would make the retry reuse it and never
		// finish it, so give the key back.
		cleanup := context.WithoutCancel(ctx)
		if ferr := o.runs.Fail(cleanup, run.ID, "abandoned: "+err.Error()); ferr != nil {
			o.logger.Warn("failed to release run after persist error", "runID", run.ID, "error", ferr)
		}
		o.metrics.ObserveRun(run.PluginName, string(RunStatusFailed), elapsed)
		return nil, fmt.Errorf("persist assessment %s: %w", run.ID, err)
	}
	if err != nil {
		o.logger.Warn("assessment run changed state during execution", "runID", run.ID, "error", err)
	}

	final, err := o.runs.Get(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if final == nil {
		return nil, fmt.Errorf("assessment run %s disappeared", run.ID)
	}

	o.metrics.ObserveRun(final.PluginName, string(final.Status), elapsed)
	o.publish(ctx, art.TeamID, final)
	return final, nil
}

// persist writes a finished run's outcome, retrying transient database
// errors. It ignores cancellation of ctx: the plugin already ran.
func (o *Orchestrator) persist(ctx context.Context, write func(context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	attempts := o.config.PersistAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	if o.config.PersistBackoff > 0 {
		b.InitialInterval = o.config.PersistBackoff
	}
	b.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		err := write(ctx)
		if errors.Is(err, ErrRunNotRunning) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(b, uint64(attempts-1)), func(err error, d time.Duration) {
		o.logger.Warn("retrying assessment persist", "error", err, "backoff", d)
	})
}

type outcome struct {
	result *plugin.Result
	err    error
}

// execute calls Assess on its own goroutine so a plugin that ignores its
// context still releases the caller at the timeout.
func (o *Orchestrator) execute(ctx context.Context, p plugin.Plugin, art *storage.Artifact, cfg plugin.Config) (*plugin.Result, error) {
	if o.config.PluginTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.PluginTimeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("plugin %s panicked: %v", p.Name(), r)}
			}
		}()
		res, err := p.Assess(ctx, art.Data, art.Format, cfg)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		if out.result == nil {
			return nil, fmt.Errorf("plugin %s returned no result", p.Name())
		}
		return out.result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("plugin %s exceeded timeout of %s", p.Name(), o.config.PluginTimeout)
		}
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) publish(ctx context.Context, teamID string, run *AssessmentRun) {
	err := o.events.Publish(ctx, events.Event{
		Type:       events.TypeAssessmentComplete,
		TeamID:     teamID,
		ArtifactID: run.ArtifactID,
		RunID:      run.ID,
		PluginName: run.PluginName,
		Status:     string(run.Status),
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		o.logger.Warn("failed to publish assessment event", "runID", run.ID, "error", err)
	}
}

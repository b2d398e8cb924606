package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbomify/assessments/pkg/assessment"
	"github.com/sbomify/assessments/pkg/metrics"
	"github.com/sbomify/assessments/pkg/registry"
)

// fakeRunner implements Runner for tests.
type fakeRunner struct {
	calls atomic.Int32
	run   func(ctx context.Context, req assessment.RunRequest) (*assessment.AssessmentRun, error)
}

func (f *fakeRunner) RunAssessmentByName(ctx context.Context, req assessment.RunRequest) (*assessment.AssessmentRun, error) {
	f.calls.Add(1)
	if f.run != nil {
		return f.run(ctx, req)
	}
	return &assessment.AssessmentRun{ID: "run-" + req.ArtifactID, Status: assessment.RunStatusCompleted}, nil
}

func testWorkerConfig() *JobConfig {
	cfg := DefaultJobConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.Concurrency = 1
	cfg.ClaimTimeout = 0
	cfg.RetentionDays = 0
	cfg.Retry.InitialInterval = time.Minute
	cfg.Retry.Jitter = 0
	return cfg
}

func publishTestTask(t *testing.T, store *JobStore, artifactID string) *AssessmentTask {
	t.Helper()
	task, err := store.Publish(context.Background(), newTestTask(t, artifactID, "ntia", artifactID+":ntia"))
	require.NoError(t, err)
	return task
}

func TestProcessOneAcksSuccess(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	runner := &fakeRunner{}
	wp := NewWorkerPool(store, runner, testWorkerConfig(), nil)

	task := publishTestTask(t, store, "sbom-1")
	assert.True(t, wp.ProcessOne(context.Background(), 0))
	assert.False(t, wp.ProcessOne(context.Background(), 0), "queue should be empty")

	got, err := store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateSucceeded, got.State)
	assert.Equal(t, "run-sbom-1", got.RunID)
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestProcessOneBuriesTerminalErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unknown plugin", fmt.Errorf("resolve plugin: %w", registry.ErrPluginNotFound)},
		{"disabled plugin", fmt.Errorf("resolve plugin: %w", registry.ErrPluginDisabled)},
		{"invalid request", assessment.ErrInvalidRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := NewJobStore(setupTestDB(t))
			m := metrics.New()
			runner := &fakeRunner{run: func(context.Context, assessment.RunRequest) (*assessment.AssessmentRun, error) {
				return nil, tc.err
			}}
			wp := NewWorkerPool(store, runner, testWorkerConfig(), nil).WithMetrics(m)

			task := publishTestTask(t, store, "sbom-1")
			require.True(t, wp.ProcessOne(context.Background(), 0))

			got, err := store.Get(context.Background(), task.ID)
			require.NoError(t, err)
			assert.Equal(t, TaskStateDead, got.State)
			assert.Contains(t, got.LastError, "terminal")
			assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksBuried.WithLabelValues("terminal")))
			assert.Equal(t, 0.0, testutil.ToFloat64(m.TasksRetried))
		})
	}
}

func TestProcessOneRetriesTransientErrors(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	m := metrics.New()
	runner := &fakeRunner{run: func(context.Context, assessment.RunRequest) (*assessment.AssessmentRun, error) {
		return nil, errors.New("connection refused")
	}}
	wp := NewWorkerPool(store, runner, testWorkerConfig(), nil).WithMetrics(m)

	task := publishTestTask(t, store, "sbom-1")
	before := time.Now()
	require.True(t, wp.ProcessOne(context.Background(), 0))

	got, err := store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateQueued, got.State)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "connection refused", got.LastError)
	assert.True(t, got.AvailableAt.After(before.Add(50*time.Second)), "retry should be delayed by the backoff")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksRetried))

	// Not yet available again.
	assert.False(t, wp.ProcessOne(context.Background(), 0))
}

func TestProcessOneRetriesTimeouts(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	cfg := testWorkerConfig()
	cfg.TaskTimeout = 50 * time.Millisecond
	runner := &fakeRunner{run: func(ctx context.Context, _ assessment.RunRequest) (*assessment.AssessmentRun, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	wp := NewWorkerPool(store, runner, cfg, nil)

	task := publishTestTask(t, store, "sbom-1")
	require.True(t, wp.ProcessOne(context.Background(), 0))

	got, err := store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateQueued, got.State)
	assert.Contains(t, got.LastError, "deadline exceeded")
}

func TestProcessOneBuriesWhenRetriesExhausted(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	m := metrics.New()
	cfg := testWorkerConfig()
	cfg.Retry.MaxAttempts = 2
	runner := &fakeRunner{run: func(context.Context, assessment.RunRequest) (*assessment.AssessmentRun, error) {
		return nil, errors.New("database unavailable")
	}}
	wp := NewWorkerPool(store, runner, cfg, nil).WithMetrics(m)

	task := publishTestTask(t, store, "sbom-1")
	require.True(t, wp.ProcessOne(context.Background(), 0))

	// Make the retry available immediately.
	require.NoError(t, store.db.Model(&AssessmentTask{}).Where("id = ?", task.ID).
		Update("available_at", time.Now().Add(-time.Second)).Error)
	require.True(t, wp.ProcessOne(context.Background(), 0))

	got, err := store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateDead, got.State)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Contains(t, got.LastError, "exhausted")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksExhausted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksRetried))
	assert.Equal(t, int32(2), runner.calls.Load())
}

func TestProcessOneRequeuesOnShutdown(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	m := metrics.New()
	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{run: func(ctx context.Context, _ assessment.RunRequest) (*assessment.AssessmentRun, error) {
		cancel()
		<-ctx.Done()
		return nil, fmt.Errorf("interrupted: %w", ctx.Err())
	}}
	wp := NewWorkerPool(store, runner, testWorkerConfig(), nil).WithMetrics(m)

	task := publishTestTask(t, store, "sbom-1")
	require.True(t, wp.ProcessOne(ctx, 0))

	got, err := store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateQueued, got.State)
	assert.False(t, got.AvailableAt.After(time.Now()), "interrupted task should be available at once")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TasksRetried))
}

func TestProcessOneBuriesUndecodableTask(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	runner := &fakeRunner{}
	wp := NewWorkerPool(store, runner, testWorkerConfig(), nil)

	task := newTestTask(t, "sbom-1", "ntia", "")
	task.Request = []byte(`"not an object"`)
	_, err := store.Publish(context.Background(), task)
	require.NoError(t, err)

	require.True(t, wp.ProcessOne(context.Background(), 0))

	got, err := store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateDead, got.State)
	assert.Equal(t, int32(0), runner.calls.Load())
}

func TestWorkerPoolRunDrainsQueue(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	runner := &fakeRunner{}
	cfg := testWorkerConfig()
	cfg.Concurrency = 2
	wp := NewWorkerPool(store, runner, cfg, nil)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		ids = append(ids, publishTestTask(t, store, fmt.Sprintf("sbom-%d", i)).ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		wp.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			task, _ := store.Get(context.Background(), id)
			if task == nil || task.State != TaskStateSucceeded {
				return false
			}
		}
		return true
	}, 5*time.Second, 50*time.Millisecond, "all tasks should complete")
	assert.Equal(t, int32(3), runner.calls.Load())

	cancel()
	<-done
}

func TestWorkerPoolDisabled(t *testing.T) {
	cfg := testWorkerConfig()
	cfg.Enabled = false
	wp := NewWorkerPool(NewJobStore(setupTestDB(t)), &fakeRunner{}, cfg, nil)

	done := make(chan struct{})
	go func() {
		wp.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled pool should return immediately")
	}
}

type fakeReaper struct {
	cutoff time.Time
}

func (f *fakeReaper) FailStale(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 1, nil
}

func TestCleanupReleasesStaleRuns(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	cfg := testWorkerConfig()
	cfg.ClaimTimeout = time.Minute
	reaper := &fakeReaper{}
	wp := NewWorkerPool(store, &fakeRunner{}, cfg, nil).WithRunReaper(reaper, 30*time.Minute)

	task := publishTestTask(t, store, "sbom-1")
	_, err := store.Claim(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.db.Model(&AssessmentTask{}).Where("id = ?", task.ID).
		Update("started_at", time.Now().Add(-time.Hour)).Error)

	wp.Cleanup(context.Background())

	got, err := store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateQueued, got.State)
	assert.WithinDuration(t, time.Now().Add(-30*time.Minute), reaper.cutoff, 5*time.Second)
}

package ha

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
)

// Loop is a background loop that must run on at most one replica. It
// returns when ctx is cancelled.
type Loop func(ctx context.Context)

// LeaderElector campaigns for a Kubernetes Lease and runs the singleton
// loops while it holds it.
type LeaderElector struct {
	config   *HAConfig
	client   kubernetes.Interface
	identity string
	isLeader bool
	mu       sync.RWMutex
	logger   *slog.Logger
	onStart  func(ctx context.Context)
	onStop   func()
}

// NewLeaderElector creates a new LeaderElector. The identity should be unique
// per replica (typically the pod name or hostname).
func NewLeaderElector(cfg *HAConfig, client kubernetes.Interface, identity string, logger *slog.Logger) *LeaderElector {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaderElector{
		config:   cfg,
		client:   client,
		identity: identity,
		logger:   logger,
	}
}

// InClusterClient builds a clientset from the pod's service account.
func InClusterClient() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster config (is assessd running in a pod?): %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return client, nil
}

// OnStartLeading registers a callback invoked when this instance becomes leader.
// The provided context is cancelled when leadership is lost.
func (le *LeaderElector) OnStartLeading(fn func(ctx context.Context)) {
	le.onStart = fn
}

// OnStopLeading registers a callback invoked when this instance loses leadership.
func (le *LeaderElector) OnStopLeading(fn func()) {
	le.onStop = fn
}

// IsLeader returns true if this instance is the current leader.
func (le *LeaderElector) IsLeader() bool {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.isLeader
}

func (le *LeaderElector) setLeader(v bool) {
	le.mu.Lock()
	le.isLeader = v
	le.mu.Unlock()
}

// Run campaigns until ctx is cancelled. Losing the lease ends the current
// term; the elector then campaigns again.
func (le *LeaderElector) Run(ctx context.Context) {
	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      le.config.LeaseName,
			Namespace: le.config.LeaseNamespace,
		},
		Client: le.client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: le.identity,
		},
	}

	le.logger.Info("starting leader election",
		"identity", le.identity,
		"lease", le.config.LeaseName,
		"namespace", le.config.LeaseNamespace,
		"leaseDuration", le.config.LeaseDuration,
		"renewDeadline", le.config.RenewDeadline,
		"retryPeriod", le.config.RetryPeriod,
	)

	for ctx.Err() == nil {
		leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
			Lock:            lock,
			LeaseDuration:   le.config.LeaseDuration,
			RenewDeadline:   le.config.RenewDeadline,
			RetryPeriod:     le.config.RetryPeriod,
			ReleaseOnCancel: true,
			Callbacks: leaderelection.LeaderCallbacks{
				OnStartedLeading: func(ctx context.Context) {
					le.setLeader(true)
					le.logger.Info("elected as leader", "identity", le.identity)
					if le.onStart != nil {
						le.onStart(ctx)
					}
				},
				OnStoppedLeading: func() {
					le.setLeader(false)
					le.logger.Info("lost leadership", "identity", le.identity)
					if le.onStop != nil {
						le.onStop()
					}
				},
				OnNewLeader: func(identity string) {
					if identity != le.identity {
						le.logger.Info("new leader elected", "leader", identity)
					}
				},
			},
		})

		select {
		case <-ctx.Done():
		case <-time.After(le.config.RetryPeriod):
		}
	}
}

// RunSingletons runs loops on exactly one replica and blocks until ctx is
// cancelled. A nil elector means this replica is the only one, so the loops
// run here unconditionally.
func RunSingletons(ctx context.Context, le *LeaderElector, loops ...Loop) {
	if le == nil {
		runAll(ctx, loops)
		return
	}
	le.OnStartLeading(func(leaderCtx context.Context) {
		runAll(leaderCtx, loops)
	})
	le.Run(ctx)
}

func runAll(ctx context.Context, loops []Loop) {
	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func(l Loop) {
			defer wg.Done()
			l(ctx)
		}(loop)
	}
	wg.Wait()
}

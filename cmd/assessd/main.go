// Package main is the assessment engine daemon. It runs the task workers,
// the outbox relay, the refresh scheduler and the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/golang/glog"

	"github.com/sbomify/assessments/internal/app"
	"github.com/sbomify/assessments/pkg/api"
	"github.com/sbomify/assessments/pkg/config"
	"github.com/sbomify/assessments/pkg/ha"
	"github.com/sbomify/assessments/pkg/plugins"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("ASSESS_CONFIG"), "Path to the YAML config file")
	flag.Parse()

	_ = flag.Set("logtostderr", "true")

	cfg, err := config.Load(configPath)
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}

	logger := app.NewLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		glog.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	var elector *ha.LeaderElector
	if cfg.HA.LeaderElectionEnabled {
		client, err := ha.InClusterClient()
		if err != nil {
			glog.Fatalf("Failed to create Kubernetes client: %v", err)
		}
		elector = ha.NewLeaderElector(cfg.HA, client, cfg.HA.Identity, logger)
	}

	var wg sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	if cfg.Jobs.Enabled {
		spawn(a.WorkerPool().Run)
	}

	if cfg.Plugins.CatalogPath != "" && cfg.Plugins.WatchCatalog {
		spawn(func(ctx context.Context) {
			if err := a.Registry.WatchCatalog(ctx, cfg.Plugins.CatalogPath, plugins.Builtins()); err != nil {
				logger.Error("plugin catalog watcher stopped", "error", err)
			}
		})
	}

	singletons := []ha.Loop{a.Relay().Run}
	if cfg.Scheduler.Enabled {
		singletons = append(singletons, a.Refresher().Run)
	}
	spawn(func(ctx context.Context) {
		ha.RunSingletons(ctx, elector, singletons...)
	})

	verifier, err := api.NewTokenVerifier(cfg.Auth.JWTPublicKeyPath, logger)
	if err != nil {
		glog.Fatalf("Failed to load JWT public key: %v", err)
	}

	deps := api.Deps{
		Runs:      a.Runs,
		Plugins:   a.Registry,
		Teams:     a.Teams,
		Artifacts: a.Store.Catalog(),
		Enqueuer:  a.Dispatcher,
		Tasks:     a.Broker,
		DB:        a.DB,
		Verifier:  verifier,
		Logger:    logger,
	}
	if elector != nil {
		deps.Leader = elector
	}

	servers := []*http.Server{}
	if cfg.Metrics.Listen == "" {
		deps.Metrics = a.Metrics.Handler()
	} else {
		servers = append(servers, &http.Server{Addr: cfg.Metrics.Listen, Handler: a.Metrics.Handler()})
	}
	router := api.NewServer(deps, api.WithAllowedOrigins(cfg.HTTP.AllowedOrigins)).Routes()
	servers = append(servers, &http.Server{Addr: cfg.HTTP.Listen, Handler: router})

	for _, srv := range servers {
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				glog.Fatalf("HTTP server error on %s: %v", srv.Addr, err)
			}
		}(srv)
	}

	logger.Info("assessd ready",
		"listen", cfg.HTTP.Listen,
		"queue", cfg.QueueBackend,
		"workers", cfg.Jobs.Concurrency,
		"leaderElection", cfg.HA.LeaderElectionEnabled,
	)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "addr", srv.Addr, "error", err)
		}
	}

	// Workers requeue their in-flight tasks on cancellation.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("background loops did not stop before the shutdown timeout")
	}

	logger.Info("assessd stopped")
}

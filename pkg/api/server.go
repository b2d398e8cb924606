// Package api serves the read and trigger HTTP surface of the assessment
// engine: per-artifact results, manual runs, the plugin catalog, team
// plugin settings and the task status API.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"

	"github.com/sbomify/assessments/pkg/assessment"
	"github.com/sbomify/assessments/pkg/jobs"
	"github.com/sbomify/assessments/pkg/registry"
	"github.com/sbomify/assessments/pkg/storage"
	"github.com/sbomify/assessments/pkg/teams"
)

// BasePath prefixes every API route.
const BasePath = "/api/v1"

// RunReader reads assessment runs.
type RunReader interface {
	Get(ctx context.Context, id string) (*assessment.AssessmentRun, error)
	LatestByArtifact(ctx context.Context, artifactID string) (map[string]assessment.AssessmentRun, error)
}

// PluginCatalog reads the plugin registry.
type PluginCatalog interface {
	Get(ctx context.Context, name string) (*registry.RegisteredPlugin, error)
	List(ctx context.Context) ([]registry.RegisteredPlugin, error)
}

// TeamSettings reads and writes per-team plugin settings.
type TeamSettings interface {
	Get(ctx context.Context, teamID string) (*teams.TeamPluginSettings, error)
	EffectivePlugins(ctx context.Context, teamID string) ([]string, error)
	UpdateSettings(ctx context.Context, teamID string, enabled []string, overrides map[string]map[string]any) (*teams.UpdateResult, error)
}

// ArtifactLookup resolves artifact metadata.
type ArtifactLookup interface {
	Get(ctx context.Context, id string) (*storage.ArtifactRecord, error)
}

// Enqueuer records a requested assessment for asynchronous execution.
type Enqueuer interface {
	EnqueueAssessment(ctx context.Context, tx *gorm.DB, req assessment.RunRequest) (*jobs.OutboxDispatch, error)
}

// LeaderStatus reports whether this replica holds the leader lease.
type LeaderStatus interface {
	IsLeader() bool
}

// Deps are the collaborators of the API. DB, Leader, Tasks, Metrics and
// Verifier are optional.
type Deps struct {
	Runs      RunReader
	Plugins   PluginCatalog
	Teams     TeamSettings
	Artifacts ArtifactLookup
	Enqueuer  Enqueuer
	Tasks     jobs.TaskReader
	DB        *gorm.DB
	Leader    LeaderStatus
	Metrics   http.Handler
	Verifier  *TokenVerifier
	Logger    *slog.Logger
}

// Server holds the API dependencies.
type Server struct {
	deps           Deps
	allowedOrigins []string
	startedAt      time.Time
	logger         *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAllowedOrigins sets the CORS allowed origins.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		if len(origins) > 0 {
			s.allowedOrigins = origins
		}
	}
}

// NewServer creates a Server.
func NewServer(deps Deps, opts ...ServerOption) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:           deps,
		allowedOrigins: []string{"https://*", "http://*"},
		startedAt:      time.Now(),
		logger:         logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the HTTP router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readyHandler)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	r.Route(BasePath, func(r chi.Router) {
		r.Use(IdentityMiddleware(s.deps.Verifier))

		r.Get("/artifacts/{artifactId}/assessments", s.listArtifactAssessments)
		r.Post("/artifacts/{artifactId}/assessments/{plugin}:run", s.triggerAssessment)
		r.Get("/assessments/{runId}", s.getAssessment)
		r.Get("/plugins", s.listPlugins)
		r.Get("/teams/{teamId}/plugins", s.getTeamPlugins)
		r.Put("/teams/{teamId}/plugins", s.putTeamPlugins)

		if s.deps.Tasks != nil {
			r.Mount("/", jobs.Router(s.deps.Tasks))
		}
	})
	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// readyHandler gates on database connectivity. Leadership is reported but
// never gates readiness.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ready := true

	dbStatus := map[string]string{"status": "up"}
	if s.deps.DB == nil {
		dbStatus["status"] = "not_configured"
	} else if sqlDB, err := s.deps.DB.DB(); err != nil {
		dbStatus["status"], dbStatus["error"] = "down", err.Error()
		ready = false
	} else if err := sqlDB.PingContext(r.Context()); err != nil {
		dbStatus["status"], dbStatus["error"] = "down", err.Error()
		ready = false
	}

	leaderStatus := map[string]string{"status": "not_configured"}
	if s.deps.Leader != nil {
		if s.deps.Leader.IsLeader() {
			leaderStatus["status"] = "leader"
		} else {
			leaderStatus["status"] = "follower"
		}
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"components": map[string]any{
			"database":        dbStatus,
			"leader_election": leaderStatus,
		},
	})
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sbomify/assessments/pkg/assessment"
	"github.com/sbomify/assessments/pkg/registry"
	"github.com/sbomify/assessments/pkg/storage"
)

type runResponse struct {
	ID                  string          `json:"id"`
	ArtifactID          string          `json:"artifactId"`
	Plugin              string          `json:"plugin"`
	PluginVersion       string          `json:"pluginVersion"`
	PluginConfigHash    string          `json:"pluginConfigHash"`
	Category            string          `json:"category,omitempty"`
	RunReason           string          `json:"runReason"`
	Status              string          `json:"status"`
	DisplayState        string          `json:"displayState"`
	InputContentDigest  string          `json:"inputContentDigest"`
	Result              json.RawMessage `json:"result,omitempty"`
	ResultSchemaVersion string          `json:"resultSchemaVersion,omitempty"`
	ErrorMessage        string          `json:"errorMessage,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	StartedAt           *time.Time      `json:"startedAt,omitempty"`
	CompletedAt         *time.Time      `json:"completedAt,omitempty"`
	TriggeredByUserID   string          `json:"triggeredByUserId,omitempty"`
	TriggeredByTokenID  string          `json:"triggeredByTokenId,omitempty"`
}

func runToResponse(r *assessment.AssessmentRun) runResponse {
	return runResponse{
		ID:                  r.ID,
		ArtifactID:          r.ArtifactID,
		Plugin:              r.PluginName,
		PluginVersion:       r.PluginVersion,
		PluginConfigHash:    r.PluginConfigHash,
		Category:            string(r.Category),
		RunReason:           string(r.RunReason),
		Status:              string(r.Status),
		DisplayState:        string(assessment.StateOf(r)),
		InputContentDigest:  r.InputContentDigest,
		Result:              json.RawMessage(r.Result),
		ResultSchemaVersion: r.ResultSchemaVersion,
		ErrorMessage:        r.ErrorMessage,
		CreatedAt:           r.CreatedAt,
		StartedAt:           r.StartedAt,
		CompletedAt:         r.CompletedAt,
		TriggeredByUserID:   r.TriggeredByUserID,
		TriggeredByTokenID:  r.TriggeredByTokenID,
	}
}

type pluginAssessment struct {
	Plugin string       `json:"plugin"`
	State  string       `json:"state"`
	Latest *runResponse `json:"latest,omitempty"`
}

// listArtifactAssessments handles GET /artifacts/{artifactId}/assessments.
// Every plugin the team runs is listed, assessed or not, together with any
// other plugin that has a run for the artifact.
func (s *Server) listArtifactAssessments(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactId")
	art, err := s.deps.Artifacts.Get(r.Context(), artifactID)
	if err != nil {
		if errors.Is(err, storage.ErrArtifactNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("artifact %q not found", artifactID))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get artifact: %v", err))
		return
	}

	latest, err := s.deps.Runs.LatestByArtifact(r.Context(), artifactID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	effective, err := s.deps.Teams.EffectivePlugins(r.Context(), art.TeamID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to resolve team plugins: %v", err))
		return
	}

	names := make(map[string]struct{}, len(latest)+len(effective))
	for _, n := range effective {
		names[n] = struct{}{}
	}
	for n := range latest {
		names[n] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	out := make([]pluginAssessment, 0, len(sorted))
	for _, name := range sorted {
		pa := pluginAssessment{Plugin: name, State: string(assessment.DisplayNotAssessed)}
		if run, ok := latest[name]; ok {
			resp := runToResponse(&run)
			pa.State = resp.DisplayState
			pa.Latest = &resp
		}
		out = append(out, pa)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"artifactId":  artifactID,
		"teamId":      art.TeamID,
		"assessments": out,
	})
}

// getAssessment handles GET /assessments/{runId}.
func (s *Server) getAssessment(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	run, err := s.deps.Runs.Get(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get run: %v", err))
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("assessment %q not found", runID))
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

type triggerRequest struct {
	Config map[string]any `json:"config,omitempty"`
}

// triggerAssessment handles POST /artifacts/{artifactId}/assessments/{plugin}:run.
// The run is queued, not executed inline.
func (s *Server) triggerAssessment(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactId")
	pluginName := chi.URLParam(r, "plugin")

	var body triggerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}

	if _, err := s.deps.Artifacts.Get(r.Context(), artifactID); err != nil {
		if errors.Is(err, storage.ErrArtifactNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("artifact %q not found", artifactID))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get artifact: %v", err))
		return
	}
	p, err := s.deps.Plugins.Get(r.Context(), pluginName)
	if err != nil {
		if errors.Is(err, registry.ErrPluginNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("plugin %q not found", pluginName))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get plugin: %v", err))
		return
	}
	if !p.IsEnabled {
		writeError(w, http.StatusConflict, fmt.Sprintf("plugin %q is disabled", pluginName))
		return
	}

	req := assessment.RunRequest{
		ArtifactID:     artifactID,
		PluginName:     pluginName,
		Reason:         assessment.ReasonManual,
		ConfigOverride: body.Config,
	}
	if id, ok := IdentityFromContext(r.Context()); ok {
		req.TriggeredBy = &assessment.TriggeredBy{UserID: id.UserID, TokenID: id.TokenID}
	}

	row, err := s.deps.Enqueuer.EnqueueAssessment(r.Context(), nil, req)
	if err != nil {
		if errors.Is(err, assessment.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to enqueue assessment: %v", err))
		return
	}
	s.logger.Info("manual assessment requested",
		"artifactID", artifactID, "plugin", pluginName, "outboxID", row.ID)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"requestId":  row.ID,
		"artifactId": artifactID,
		"plugin":     pluginName,
		"runReason":  string(assessment.ReasonManual),
	})
}

type pluginResponse struct {
	Name          string         `json:"name"`
	DisplayName   string         `json:"displayName"`
	Description   string         `json:"description,omitempty"`
	Category      string         `json:"category"`
	Version       string         `json:"version"`
	Enabled       bool           `json:"enabled"`
	Beta          bool           `json:"beta"`
	DefaultConfig map[string]any `json:"defaultConfig,omitempty"`
}

// listPlugins handles GET /plugins.
func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Plugins.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list plugins: %v", err))
		return
	}
	out := make([]pluginResponse, len(rows))
	for i, p := range rows {
		out[i] = pluginResponse{
			Name:          p.Name,
			DisplayName:   p.DisplayName,
			Description:   p.Description,
			Category:      string(p.Category),
			Version:       p.Version,
			Enabled:       p.IsEnabled,
			Beta:          p.IsBeta,
			DefaultConfig: p.DefaultConfig,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": out})
}

type teamPluginsBody struct {
	EnabledPlugins []string                  `json:"enabledPlugins"`
	PluginConfig   map[string]map[string]any `json:"pluginConfig,omitempty"`
}

// getTeamPlugins handles GET /teams/{teamId}/plugins.
func (s *Server) getTeamPlugins(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamId")
	settings, err := s.deps.Teams.Get(r.Context(), teamID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get team settings: %v", err))
		return
	}
	effective, err := s.deps.Teams.EffectivePlugins(r.Context(), teamID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to resolve team plugins: %v", err))
		return
	}

	resp := map[string]any{
		"teamId":           teamID,
		"enabledPlugins":   []string{},
		"pluginConfig":     map[string]any{},
		"effectivePlugins": nonNil(effective),
	}
	if settings != nil {
		resp["enabledPlugins"] = nonNil(settings.EnabledPlugins)
		if settings.PluginConfig != nil {
			resp["pluginConfig"] = settings.PluginConfig
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// putTeamPlugins handles PUT /teams/{teamId}/plugins. Newly effective
// plugins are backfilled over the team's existing artifacts.
func (s *Server) putTeamPlugins(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamId")

	var body teamPluginsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	for _, name := range body.EnabledPlugins {
		if name == "" {
			writeError(w, http.StatusBadRequest, "enabledPlugins must not contain empty names")
			return
		}
	}

	res, err := s.deps.Teams.UpdateSettings(r.Context(), teamID, body.EnabledPlugins, body.PluginConfig)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to update team settings: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"teamId":         teamID,
		"enabledPlugins": nonNil(res.Settings.EnabledPlugins),
		"newlyEnabled":   nonNil(res.NewlyEnabled),
		"backfillCount":  res.BackfillCount(),
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}

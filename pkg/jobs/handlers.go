package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// Canceler is implemented by brokers that can cancel queued tasks.
type Canceler interface {
	Cancel(ctx context.Context, id string) error
}

// GetTaskHandler handles GET /tasks/{taskId}
func GetTaskHandler(reader TaskReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskId")
		if taskID == "" {
			writeError(w, http.StatusBadRequest, "missing task ID")
			return
		}

		task, err := reader.Get(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get task: %v", err))
			return
		}
		if task == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("task %q not found", taskID))
			return
		}

		writeJSON(w, http.StatusOK, taskToResponse(task))
	}
}

// ListTasksHandler handles GET /tasks
// Query params: artifactId, plugin, state, requestedBy, pageSize, pageToken
func ListTasksHandler(reader TaskReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := TaskListFilter{
			ArtifactID:  q.Get("artifactId"),
			PluginName:  q.Get("plugin"),
			State:       q.Get("state"),
			RequestedBy: q.Get("requestedBy"),
		}

		pageSize := 20
		if ps := q.Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}

		records, nextToken, total, err := reader.List(r.Context(), filter, pageSize, q.Get("pageToken"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list tasks: %v", err))
			return
		}

		tasks := make([]taskResponse, len(records))
		for i := range records {
			tasks[i] = taskToResponse(&records[i])
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"tasks":         tasks,
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

// CancelTaskHandler handles POST /tasks/{taskId}:cancel
func CancelTaskHandler(c Canceler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskId")
		if taskID == "" {
			writeError(w, http.StatusBadRequest, "missing task ID")
			return
		}

		if err := c.Cancel(r.Context(), taskID); err != nil {
			status := http.StatusConflict
			if errors.Is(err, ErrTaskNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, fmt.Sprintf("failed to cancel task: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"status": "canceled",
			"taskId": taskID,
		})
	}
}

type taskResponse struct {
	ID           string `json:"id"`
	ArtifactID   string `json:"artifactId"`
	PluginName   string `json:"plugin"`
	RunReason    string `json:"runReason"`
	RequestedBy  string `json:"requestedBy,omitempty"`
	RequestedAt  string `json:"requestedAt"`
	AvailableAt  string `json:"availableAt"`
	State        string `json:"state"`
	StartedAt    string `json:"startedAt,omitempty"`
	FinishedAt   string `json:"finishedAt,omitempty"`
	AttemptCount int    `json:"attemptCount"`
	LastError    string `json:"lastError,omitempty"`
	RunID        string `json:"runId,omitempty"`
}

func taskToResponse(t *AssessmentTask) taskResponse {
	resp := taskResponse{
		ID:           t.ID,
		ArtifactID:   t.ArtifactID,
		PluginName:   t.PluginName,
		RunReason:    t.RunReason,
		RequestedBy:  t.RequestedBy,
		RequestedAt:  t.RequestedAt.Format(time.RFC3339),
		AvailableAt:  t.AvailableAt.Format(time.RFC3339),
		State:        string(t.State),
		AttemptCount: t.AttemptCount,
		LastError:    t.LastError,
		RunID:        t.RunID,
	}
	if t.StartedAt != nil {
		resp.StartedAt = t.StartedAt.Format(time.RFC3339)
	}
	if t.FinishedAt != nil {
		resp.FinishedAt = t.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

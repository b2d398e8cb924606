package jobs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTaskHandler_Found(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	task := publishTestTask(t, store, "sbom-1")

	r := Router(store)
	req := httptest.NewRequest(http.MethodGet, "/tasks/"+task.ID, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp taskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, task.ID, resp.ID)
	assert.Equal(t, "sbom-1", resp.ArtifactID)
	assert.Equal(t, "ntia", resp.PluginName)
	assert.Equal(t, "queued", resp.State)
	assert.Empty(t, resp.StartedAt)
}

func TestGetTaskHandler_NotFound(t *testing.T) {
	r := Router(NewJobStore(setupTestDB(t)))
	req := httptest.NewRequest(http.MethodGet, "/tasks/nonexistent", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTasksHandler(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	publishTestTask(t, store, "sbom-1")
	publishTestTask(t, store, "sbom-2")

	r := Router(store)
	req := httptest.NewRequest(http.MethodGet, "/tasks?artifactId=sbom-2", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Tasks     []taskResponse `json:"tasks"`
		TotalSize int            `json:"totalSize"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.TotalSize)
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, "sbom-2", resp.Tasks[0].ArtifactID)
}

func TestListTasksHandler_BadPageToken(t *testing.T) {
	r := Router(NewJobStore(setupTestDB(t)))
	req := httptest.NewRequest(http.MethodGet, "/tasks?pageToken=garbage", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestCancelTaskHandler(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	task := publishTestTask(t, store, "sbom-1")

	r := Router(store)
	req := httptest.NewRequest(http.MethodPost, "/tasks/"+task.ID+":cancel", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	got, err := store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateCanceled, got.State)

	// Second cancel conflicts.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/tasks/"+task.ID+":cancel", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/tasks/missing:cancel", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// readOnly hides the Cancel method of the store.
type readOnly struct{ TaskReader }

func TestRouterWithoutCanceler(t *testing.T) {
	store := NewJobStore(setupTestDB(t))
	task := publishTestTask(t, store, "sbom-1")

	r := Router(readOnly{store})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/tasks/"+task.ID+":cancel", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

package jobs

import (
	"github.com/go-chi/chi/v5"
)

// Router creates a chi.Router for the task status API. The cancel endpoint
// is mounted only when reader also implements Canceler.
func Router(reader TaskReader) chi.Router {
	r := chi.NewRouter()

	r.Get("/tasks", ListTasksHandler(reader))
	r.Get("/tasks/{taskId}", GetTaskHandler(reader))
	if c, ok := reader.(Canceler); ok {
		r.Post("/tasks/{taskId}:cancel", CancelTaskHandler(c))
	}

	return r
}

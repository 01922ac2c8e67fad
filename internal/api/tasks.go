package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/scarson/queued/internal/store"
	"github.com/scarson/queued/internal/task"
)

type enqueueRequest struct {
	JobType string `json:"job_type"`
	// Payload is opaque to the queue; JSON carries it base64-encoded.
	Payload []byte `json:"payload"`
	IsAsync bool   `json:"is_async"`
}

type enqueueResponse struct {
	ID int64 `json:"id"`
}

// enqueueTaskHandler handles POST /api/v1/tasks.
func (srv *Server) enqueueTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.JobType == "" {
		http.Error(w, "job_type is required", http.StatusBadRequest)
		return
	}

	id, err := srv.store.Enqueue(r.Context(), req.JobType, req.Payload, req.IsAsync)
	if err != nil {
		slog.ErrorContext(r.Context(), "enqueue task", "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusCreated, enqueueResponse{ID: id})
}

// getTaskHandler handles GET /api/v1/tasks/{id}.
func (srv *Server) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}

	t, err := srv.store.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(r.Context(), "get task", "task_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, t)
}

type listTasksResponse struct {
	Items []task.Task `json:"items"`
}

// listTasksHandler handles GET /api/v1/tasks with optional ?status=,
// ?job_type= and ?limit= filters. Terminal failed tasks stay listable here
// for operator inspection.
func (srv *Server) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	p := store.ListTasksParams{
		Status:  r.URL.Query().Get("status"),
		JobType: r.URL.Query().Get("job_type"),
	}
	switch p.Status {
	case "", task.StatusPending, task.StatusClaimed, task.StatusDone, task.StatusFailed:
	default:
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		p.Limit = n
	}

	items, err := srv.store.ListTasks(r.Context(), p)
	if err != nil {
		slog.ErrorContext(r.Context(), "list tasks", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []task.Task{}
	}

	writeJSON(w, http.StatusOK, listTasksResponse{Items: items})
}

// statsHandler handles GET /api/v1/stats, reporting row counts per status.
func (srv *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	counts, err := srv.store.CountByStatus(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "count tasks", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	for _, s := range []string{task.StatusPending, task.StatusClaimed, task.StatusDone, task.StatusFailed} {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}

	writeJSON(w, http.StatusOK, counts)
}

// healthzHandler pings the database pool.
func (srv *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if err := srv.store.Pool().Ping(r.Context()); err != nil {
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

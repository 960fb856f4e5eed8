package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/protoreel/worker/internal/cache"
	"github.com/protoreel/worker/internal/db"
	"github.com/protoreel/worker/internal/models"
	"github.com/protoreel/worker/internal/queue"
	"github.com/protoreel/worker/internal/task"
	"github.com/protoreel/worker/internal/worker"
)

type Handler struct {
	db       *db.DB
	queue    *queue.Queue
	guard    *task.Guard
	renderer *worker.Renderer
	cache    *cache.Store
}

func NewHandler(database *db.DB, q *queue.Queue, guard *task.Guard, renderer *worker.Renderer, store *cache.Store) *Handler {
	return &Handler{
		db:       database,
		queue:    q,
		guard:    guard,
		renderer: renderer,
		cache:    store,
	}
}

// ProcessTask handles POST /process-task: a synchronous render that blocks
// until the video is uploaded or the render fails. The response always has
// status 200 with the outcome in the body; transport-level errors are
// reserved for bad requests.
func (h *Handler) ProcessTask(w http.ResponseWriter, r *http.Request) {
	var req models.ProcessTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.TaskID == "" || req.RequestDict == nil {
		respondError(w, http.StatusBadRequest, "task_id and request_dict are required")
		return
	}

	if err := req.RequestDict.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Record the task so delivery retries can short-circuit to the stored
	// result. A duplicate here means this is such a retry; the guard sorts
	// it out.
	if err := h.db.CreateTask(r.Context(), &models.Task{
		ID:      req.TaskID,
		Status:  models.TaskStatusQueued,
		Payload: req.RequestDict,
	}); err != nil {
		log.Printf("[API] Task %s already recorded: %v", req.TaskID, err)
	}

	result, err := h.guard.Run(r.Context(), req.TaskID, func(ctx context.Context) (*models.FinalResult, error) {
		return h.renderer.RenderTask(ctx, req.TaskID, req.RequestDict)
	})
	if err != nil {
		respondJSON(w, http.StatusOK, models.ProcessTaskResponse{
			Status: models.TaskStatusFailed,
			Error:  err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, models.ProcessTaskResponse{
		Status: models.TaskStatusFinished,
		Result: result,
	})
}

// CreateTask handles POST /v1/tasks: record the task and enqueue it for the
// worker loop. Returns immediately with the task ID for polling.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req models.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.RequestDict == nil {
		respondError(w, http.StatusBadRequest, "request_dict is required")
		return
	}

	if err := req.RequestDict.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	taskID := uuid.New().String()

	if err := h.db.CreateTask(r.Context(), &models.Task{
		ID:      taskID,
		Status:  models.TaskStatusQueued,
		Payload: req.RequestDict,
	}); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create task")
		return
	}

	if err := h.queue.EnqueueRender(r.Context(), taskID, req.RequestDict); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue task")
		return
	}

	respondJSON(w, http.StatusAccepted, models.CreateTaskResponse{
		TaskID: taskID,
		Status: models.TaskStatusQueued,
	})
}

// GetTask handles GET /v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := h.db.GetTask(r.Context(), id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			respondError(w, http.StatusNotFound, "Task not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to get task")
		return
	}

	respondJSON(w, http.StatusOK, t)
}

// ClearCache handles POST /v1/cache/clear: drops every cached artifact.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if h.cache != nil {
		h.cache.Clear()
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
	}

	if h.queue != nil {
		if n, err := h.queue.Length(r.Context()); err == nil {
			resp["queue_length"] = n
		} else {
			resp["status"] = "degraded"
			resp["queue_error"] = err.Error()
		}
	}

	if h.cache != nil {
		resp["cache_bytes"] = h.cache.SizeBytes()
	}

	respondJSON(w, http.StatusOK, resp)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

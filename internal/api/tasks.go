package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/app/commands"
	"github.com/taskmesh/taskmesh/internal/app/executor"
	"github.com/taskmesh/taskmesh/internal/domain/task"
)

// createTaskRequest is the body of POST /v1/tasks.
type createTaskRequest struct {
	WorkflowName string         `json:"workflow_name" validate:"required"`
	InitialState map[string]any `json:"initial_state"`
}

// taskResponse is the wire shape of a task.
type taskResponse struct {
	ID           string         `json:"id"`
	WorkflowName string         `json:"workflow_name"`
	Status       string         `json:"status"`
	CurrentStep  string         `json:"current_step,omitempty"`
	Progress     int            `json:"progress"`
	State        map[string]any `json:"state,omitempty"`
	Checkpoint   *checkpointDTO `json:"checkpoint,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
}

type checkpointDTO struct {
	Step      string `json:"step"`
	Timestamp string `json:"timestamp"`
}

func toTaskResponse(t *task.Task) taskResponse {
	resp := taskResponse{
		ID:           t.ID().String(),
		WorkflowName: t.WorkflowName(),
		Status:       t.Status().String(),
		CurrentStep:  t.CurrentStep(),
		Progress:     t.Progress(),
		State:        t.State(),
		Error:        t.Error(),
		CreatedAt:    t.CreatedAt().Format(timeFormat),
		UpdatedAt:    t.UpdatedAt().Format(timeFormat),
	}
	if cp := t.Checkpoint(); cp != nil {
		resp.Checkpoint = &checkpointDTO{
			Step:      cp.Step(),
			Timestamp: cp.Timestamp().Format(timeFormat),
		}
	}
	return resp
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := s.handler.HandleCreate(r.Context(), commands.NewCreateTask(req.WorkflowName, req.InitialState))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	respond(w, http.StatusCreated, toTaskResponse(t))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.taskIDParam(w, r)
	if !ok {
		return
	}

	t, err := s.handler.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respond(w, http.StatusOK, toTaskResponse(t))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var filter task.ListFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := task.ParseStatus(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "unknown status "+raw)
			return
		}
		filter.Status = status
	}

	tasks, err := s.handler.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	items := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, toTaskResponse(t))
	}
	respond(w, http.StatusOK, map[string]any{"tasks": items})
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.taskIDParam(w, r)
	if !ok {
		return
	}

	if err := s.handler.HandlePause(r.Context(), commands.NewTaskRef(taskID)); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "pause requested"})
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.taskIDParam(w, r)
	if !ok {
		return
	}

	t, err := s.handler.HandleResume(r.Context(), commands.NewTaskRef(taskID))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respond(w, http.StatusOK, toTaskResponse(t))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.taskIDParam(w, r)
	if !ok {
		return
	}

	if err := s.handler.HandleCancel(r.Context(), commands.NewTaskRef(taskID)); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "cancel requested"})
}

func (s *Server) taskIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "task id must be a UUID")
		return uuid.Nil, false
	}
	return taskID, true
}

// writeDomainError maps domain errors onto HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var invalidState *task.InvalidStateError

	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrWorkflowUnknown):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &invalidState),
		errors.Is(err, task.ErrTaskTerminal),
		errors.Is(err, task.ErrVersionConflict),
		errors.Is(err, executor.ErrAlreadyRunning):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, task.ErrStoreUnavailable):
		respondError(w, http.StatusServiceUnavailable, "task store unavailable")
	default:
		s.logger.Error(r.Context(), "request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}

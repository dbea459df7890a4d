package httpapi

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/chatflow/internal/auth"
	"github.com/Kocoro-lab/chatflow/internal/db"
	"github.com/Kocoro-lab/chatflow/internal/streaming"
	"github.com/Kocoro-lab/chatflow/internal/tasks"
)

// POST /api/async/report
func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var req tasks.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	if uid := auth.UserID(r.Context()); uid != "" {
		req.UserID = uid
	}
	resp, err := s.tasks.Create(r.Context(), req)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// POST /api/async/choice
func (s *Server) handleChoice(w http.ResponseWriter, r *http.Request) {
	var req tasks.ChoiceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	if req.TaskID == "" {
		s.sendError(w, r, fmt.Errorf("%w: task_id is required", errBadRequest))
		return
	}
	resp, err := s.tasks.Choose(r.Context(), req)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/async/task/{task_id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(r.Context(), r.PathValue("task_id"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// GET /api/async/thread/{thread_id}/tasks
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.tasks.ListByThread(r.Context(), r.PathValue("thread_id"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if list == nil {
		list = []db.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

// DELETE /api/async/task/{task_id}
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	resp, err := s.tasks.Cancel(r.Context(), r.PathValue("task_id"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /api/async/task/{task_id}/stream
func (s *Server) handleStreamTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	task, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if task.Status != db.TaskStreaming {
		s.sendError(w, r, fmt.Errorf("%w: current status %s", tasks.ErrNotStreaming, task.Status))
		return
	}
	sse, err := streaming.NewSSEWriter(w)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sink := streaming.MultiSink{sse, streaming.NewManagerSink(s.streams, taskID)}
	if _, err := s.tasks.StreamTask(r.Context(), taskID, sink); err != nil {
		s.logger.Warn("Task stream ended with error", zap.String("task_id", taskID), zap.Error(err))
	}
}

package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/Kocoro-lab/chatflow/internal/auth"
	"github.com/Kocoro-lab/chatflow/internal/chat"
	"github.com/Kocoro-lab/chatflow/internal/db"
)

const defaultThreadPageSize = 50

// ThreadDetails is a thread with its transcript.
type ThreadDetails struct {
	db.Thread
	Messages []db.Message `json:"messages"`
}

// POST /api/threads
func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req chat.CreateThreadRequest
	// An empty body creates an untitled thread.
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.sendError(w, r, err)
		return
	}
	req.UserID = auth.UserID(r.Context())
	t, err := s.chat.CreateThread(r.Context(), req)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GET /api/threads?limit=&offset=
func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultThreadPageSize)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	threads, err := s.chat.ListThreads(r.Context(), auth.UserID(r.Context()), limit, offset)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if threads == nil {
		threads = []db.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

// GET /api/threads/{thread_id}
func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	t, err := s.chat.GetThread(r.Context(), threadID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	msgs, err := s.chat.Messages(r.Context(), threadID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []db.Message{}
	}
	writeJSON(w, http.StatusOK, ThreadDetails{Thread: *t, Messages: msgs})
}

// DELETE /api/threads/{thread_id}
func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if err := s.chat.DeleteThread(r.Context(), r.PathValue("thread_id")); err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Thread deleted successfully"})
}

// GET /api/threads/{thread_id}/messages
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.chat.Messages(r.Context(), r.PathValue("thread_id"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []db.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, key)
	}
	return n, nil
}

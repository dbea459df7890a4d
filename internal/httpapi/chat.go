package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/chatflow/internal/auth"
	"github.com/Kocoro-lab/chatflow/internal/chat"
	"github.com/Kocoro-lab/chatflow/internal/streaming"
	"github.com/Kocoro-lab/chatflow/internal/tasks"
)

// Response modes accepted by POST /api/chat.
const (
	responseSync   = "sync"
	responseStream = "stream"
	responseAsync  = "async"
)

// ChatRequest is the body of POST /api/chat and /api/chat/stream.
type ChatRequest struct {
	ThreadID     string                 `json:"thread_id"`
	Content      string                 `json:"content"`
	MessageType  string                 `json:"message_type,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	ResponseMode string                 `json:"response_mode,omitempty"`
	Priority     string                 `json:"priority,omitempty"`
}

func (c ChatRequest) send(userID string) chat.SendRequest {
	return chat.SendRequest{
		ThreadID:    c.ThreadID,
		Content:     c.Content,
		MessageType: c.MessageType,
		Metadata:    c.Metadata,
		UserID:      userID,
	}
}

// POST /api/chat
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	userID := auth.UserID(r.Context())

	switch req.ResponseMode {
	case "", responseSync:
		reply, err := s.chat.Send(r.Context(), req.send(userID))
		if err != nil {
			s.sendError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, reply)
	case responseStream:
		s.streamChat(w, r, req)
	case responseAsync:
		resp, err := s.tasks.Create(r.Context(), tasks.CreateRequest{
			ThreadID: req.ThreadID,
			Content:  req.Content,
			UserID:   userID,
			Priority: req.Priority,
		})
		if err != nil {
			s.sendError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	default:
		s.sendError(w, r, fmt.Errorf("%w: response_mode must be one of sync, stream, async", errBadRequest))
	}
}

// POST /api/chat/stream
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	s.streamChat(w, r, req)
}

// streamChat validates before the first byte so request errors still get a
// JSON status; after that, failures travel as error events.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req ChatRequest) {
	if strings.TrimSpace(req.Content) == "" {
		s.sendError(w, r, chat.ErrEmptyMessage)
		return
	}
	if _, err := s.chat.GetThread(r.Context(), req.ThreadID); err != nil {
		s.sendError(w, r, err)
		return
	}
	sse, err := streaming.NewSSEWriter(w)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sink := streaming.MultiSink{sse, streaming.NewManagerSink(s.streams, req.ThreadID)}
	if _, err := s.chat.Stream(r.Context(), req.send(auth.UserID(r.Context())), sink); err != nil {
		s.logger.Warn("Chat stream ended with error", zap.String("thread_id", req.ThreadID), zap.Error(err))
	}
}

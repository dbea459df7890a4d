// Package chat runs messages on a thread through the supervisor and keeps
// the thread transcript.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/chatflow/internal/db"
	"github.com/Kocoro-lab/chatflow/internal/formatting"
	"github.com/Kocoro-lab/chatflow/internal/streaming"
	"github.com/Kocoro-lab/chatflow/internal/tasks"
	"github.com/Kocoro-lab/chatflow/internal/tracing"
	"github.com/Kocoro-lab/chatflow/internal/workflows"
)

var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrEmptyMessage   = errors.New("message content is required")
)

// Runner executes the supervisor synchronously.
type Runner interface {
	Run(ctx context.Context, in workflows.Input) workflows.Output
}

// SendRequest is one user message on a thread.
type SendRequest struct {
	ThreadID    string                 `json:"thread_id"`
	Content     string                 `json:"content"`
	MessageType string                 `json:"message_type,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	UserID      string                 `json:"-"`
}

// Reply pairs the stored user message with the stored answer.
type Reply struct {
	ThreadID         string     `json:"thread_id"`
	UserMessage      db.Message `json:"user_message"`
	AssistantMessage db.Message `json:"assistant_message"`
	WorkflowUsed     string     `json:"workflow_used"`
	ConfidenceScore  float64    `json:"confidence_score"`
	AnalysisType     string     `json:"analysis_type,omitempty"`
	Error            bool       `json:"error"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}

// CreateThreadRequest opens a thread.
type CreateThreadRequest struct {
	Title    string                 `json:"title,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	UserID   string                 `json:"-"`
}

type Service struct {
	store        db.Store
	supervisor   Runner
	streamer     tasks.StreamRunner
	historyLimit int
	logger       *zap.Logger
	now          func() time.Time
}

func NewService(store db.Store, supervisor Runner, streamer tasks.StreamRunner, historyLimit int, logger *zap.Logger) *Service {
	if historyLimit <= 0 {
		historyLimit = workflows.DefaultHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:        store,
		supervisor:   supervisor,
		streamer:     streamer,
		historyLimit: historyLimit,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) CreateThread(ctx context.Context, req CreateThreadRequest) (*db.Thread, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = formatting.DefaultThreadTitle
	}
	t := &db.Thread{
		ThreadID: uuid.New().String(),
		Title:    title,
		UserID:   req.UserID,
		Metadata: req.Metadata,
	}
	if err := s.store.CreateThread(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	s.logger.Info("Thread created", zap.String("thread_id", t.ThreadID), zap.String("user_id", t.UserID))
	return t, nil
}

func (s *Service) GetThread(ctx context.Context, threadID string) (*db.Thread, error) {
	t, err := s.store.GetThread(ctx, threadID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}
	return t, nil
}

func (s *Service) ListThreads(ctx context.Context, userID string, limit, offset int) ([]db.Thread, error) {
	threads, err := s.store.ListThreads(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	return threads, nil
}

func (s *Service) DeleteThread(ctx context.Context, threadID string) error {
	err := s.store.DeleteThread(ctx, threadID)
	if errors.Is(err, db.ErrNotFound) {
		return ErrThreadNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	s.logger.Info("Thread deleted", zap.String("thread_id", threadID))
	return nil
}

// Messages returns the full transcript, oldest first.
func (s *Service) Messages(ctx context.Context, threadID string) ([]db.Message, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// Send runs the message through the supervisor and stores both sides.
func (s *Service) Send(ctx context.Context, req SendRequest) (*Reply, error) {
	ctx, span := tracing.StartSpan(ctx, "chat.send", attribute.String("thread_id", req.ThreadID))
	in, user, err := s.prepare(ctx, req)
	if err != nil {
		tracing.End(span, err)
		return nil, err
	}
	out := s.supervisor.Run(ctx, in)
	reply, err := s.finish(ctx, user, out, "sync")
	tracing.End(span, err)
	return reply, err
}

// Stream is Send with the answer delivered to sink as it is produced. The
// answer is stored even when the sink stops early.
func (s *Service) Stream(ctx context.Context, req SendRequest, sink streaming.Sink) (*Reply, error) {
	ctx, span := tracing.StartSpan(ctx, "chat.stream", attribute.String("thread_id", req.ThreadID))
	in, user, err := s.prepare(ctx, req)
	if err != nil {
		tracing.End(span, err)
		return nil, err
	}
	out, streamErr := s.streamer.Stream(ctx, in, sink)
	if streamErr != nil {
		s.logger.Warn("Chat stream interrupted", zap.String("thread_id", req.ThreadID), zap.Error(streamErr))
	}
	reply, err := s.finish(context.WithoutCancel(ctx), user, out, "stream")
	tracing.End(span, err)
	return reply, err
}

// prepare validates the request, loads history and stores the user message.
// History is read first so the new message is not part of it.
func (s *Service) prepare(ctx context.Context, req SendRequest) (workflows.Input, *db.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return workflows.Input{}, nil, ErrEmptyMessage
	}
	if _, err := s.GetThread(ctx, req.ThreadID); err != nil {
		return workflows.Input{}, nil, err
	}
	recent, err := s.store.RecentMessages(ctx, req.ThreadID, s.historyLimit)
	if err != nil {
		return workflows.Input{}, nil, fmt.Errorf("failed to load history: %w", err)
	}

	msgType := req.MessageType
	if msgType == "" {
		msgType = db.MessageTypeText
	}
	user := &db.Message{
		MessageID:   uuid.New().String(),
		ThreadID:    req.ThreadID,
		Content:     content,
		IsUser:      true,
		MessageType: msgType,
		Metadata:    req.Metadata,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateMessage(ctx, user); err != nil {
		return workflows.Input{}, nil, fmt.Errorf("failed to store message: %w", err)
	}
	if _, err := s.store.SetThreadTitleIfEmpty(ctx, req.ThreadID, formatting.ThreadTitle(content)); err != nil {
		s.logger.Warn("Failed to set thread title", zap.String("thread_id", req.ThreadID), zap.Error(err))
	}

	return workflows.Input{
		Message:  content,
		UserID:   req.UserID,
		ThreadID: req.ThreadID,
		History:  tasks.ToHistory(recent),
	}, user, nil
}

func (s *Service) finish(ctx context.Context, user *db.Message, out workflows.Output, mode string) (*Reply, error) {
	meta := db.JSONB{
		"response_to":      user.MessageID,
		"workflow_used":    out.WorkflowUsed,
		"confidence_score": out.ConfidenceScore,
		"error":            out.Error,
		"response_mode":    mode,
	}
	if out.AnalysisType != "" {
		meta["analysis_type"] = out.AnalysisType
	}
	if out.ErrorMessage != "" {
		meta["error_message"] = out.ErrorMessage
	}
	answer := &db.Message{
		MessageID:   uuid.New().String(),
		ThreadID:    user.ThreadID,
		Content:     out.Response,
		MessageType: db.MessageTypeText,
		Metadata:    meta,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateMessage(ctx, answer); err != nil {
		return nil, fmt.Errorf("failed to store response: %w", err)
	}
	return &Reply{
		ThreadID:         user.ThreadID,
		UserMessage:      *user,
		AssistantMessage: *answer,
		WorkflowUsed:     out.WorkflowUsed,
		ConfidenceScore:  out.ConfidenceScore,
		AnalysisType:     out.AnalysisType,
		Error:            out.Error,
		ErrorMessage:     out.ErrorMessage,
	}, nil
}

// Package tasks implements the async report task lifecycle: creation with a
// pending stream/async choice, the choice itself, cancellation, and the
// worker body that claims a queued task and runs the report sub-workflow.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/chatflow/internal/db"
	"github.com/Kocoro-lab/chatflow/internal/formatting"
	"github.com/Kocoro-lab/chatflow/internal/llm"
	"github.com/Kocoro-lab/chatflow/internal/metrics"
	"github.com/Kocoro-lab/chatflow/internal/streaming"
	"github.com/Kocoro-lab/chatflow/internal/workflows"
)

// Response modes offered when a report task is created.
const (
	ModeStream = "stream"
	ModeAsync  = "async"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrThreadNotFound    = errors.New("thread not found")
	ErrNotAwaitingChoice = errors.New("task is not awaiting choice")
	ErrNotCancellable    = errors.New("cannot cancel task with status")
	ErrInvalidChoice     = errors.New("response mode must be 'stream' or 'async'")
	ErrNotStreaming      = errors.New("task is not in streaming mode")
	ErrEmptyRequest      = errors.New("content is required")
)

const (
	msgAwaitingChoice = "Awaiting your choice for response mode"
	msgChoosePrompt   = "Please choose your response mode: streaming or async"
	msgInterruption   = "I understand you want a report generated. How would you like to receive the response?\n\n" +
		"1. **Streaming Response**: Get real-time updates as I generate the report\n" +
		"2. **Async Response**: Get the complete report when finished (you can continue chatting meanwhile)\n\n" +
		"Please choose your preferred response mode."
	msgStreamRequested  = "Streaming report generation requested"
	msgStreamRedirect   = "Please use the streaming endpoint to receive real-time updates."
	msgQueued           = "Report generation queued for async processing"
	msgQueuedResponse   = "Report generation queued. You can continue chatting while it processes."
	msgAsyncConfirm     = "Perfect! I'll generate your report in the background. You can continue chatting while I work on it. I'll notify you when it's ready."
	msgCancelled        = "Task cancelled by user"
	msgCancelledSuccess = "Task cancelled successfully"

	defaultPriority = "normal"
)

// Choices lists the response modes a pending task accepts.
var Choices = []string{ModeStream, ModeAsync}

// Dispatcher hands a queued task to background execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID string) error
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, taskID string) error

func (f DispatchFunc) Dispatch(ctx context.Context, taskID string) error { return f(ctx, taskID) }

// Processor runs one claimed task to a terminal state.
type Processor interface {
	Process(ctx context.Context, taskID string) error
}

// StreamRunner streams one supervisor run to a sink.
type StreamRunner interface {
	Stream(ctx context.Context, in workflows.Input, sink streaming.Sink) (workflows.Output, error)
}

// Config tunes the lifecycle.
type Config struct {
	Lease               time.Duration
	EstimatedCompletion time.Duration
	HistoryLimit        int
	// RecoveryInterval is how often expired leases are re-dispatched.
	RecoveryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Lease:               10 * time.Minute,
		EstimatedCompletion: 7 * time.Minute,
		HistoryLimit:        workflows.DefaultHistoryLimit,
		RecoveryInterval:    time.Minute,
	}
}

// CreateRequest asks for a new report task on a thread.
type CreateRequest struct {
	ThreadID string `json:"thread_id"`
	Content  string `json:"content"`
	UserID   string `json:"user_id,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// CreateResponse is returned when a task is created.
type CreateResponse struct {
	TaskID    string    `json:"task_id"`
	ThreadID  string    `json:"thread_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Choices   []string  `json:"choices"`
	CreatedAt time.Time `json:"created_at"`
}

// ChoiceRequest selects the response mode of a pending task.
type ChoiceRequest struct {
	TaskID       string `json:"task_id"`
	ResponseMode string `json:"response_mode"`
}

// ChoiceResponse reports the task state after a choice.
type ChoiceResponse struct {
	TaskID              string     `json:"task_id"`
	Status              string     `json:"status"`
	ResponseMode        string     `json:"response_mode"`
	Message             string     `json:"message"`
	StreamEndpoint      string     `json:"stream_endpoint,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// CancelResponse is returned by a successful cancel.
type CancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Service owns every task state transition.
type Service struct {
	store      db.Store
	report     workflows.ReportRunner
	streamer   StreamRunner
	progress   *streaming.Manager
	dispatcher Dispatcher
	cfg        Config
	workerID   string
	logger     *zap.Logger
	now        func() time.Time
}

// NewService wires the lifecycle. progress may be nil; the dispatcher is set
// with SetDispatcher once the background executor exists.
func NewService(store db.Store, report workflows.ReportRunner, streamer StreamRunner, progress *streaming.Manager, cfg Config, logger *zap.Logger) *Service {
	def := DefaultConfig()
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.EstimatedCompletion <= 0 {
		cfg.EstimatedCompletion = def.EstimatedCompletion
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = def.RecoveryInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		report:   report,
		streamer: streamer,
		progress: progress,
		cfg:      cfg,
		workerID: "worker-" + uuid.New().String(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetDispatcher installs the background executor used for async choices.
func (s *Service) SetDispatcher(d Dispatcher) { s.dispatcher = d }

// Create stores a report task awaiting the stream/async choice, together with
// the user's request and the assistant's interruption message.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	if req.Content == "" {
		return nil, ErrEmptyRequest
	}
	if _, err := s.store.GetThread(ctx, req.ThreadID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}
	priority := req.Priority
	if priority == "" {
		priority = defaultPriority
	}

	now := s.now()
	task := &db.Task{
		TaskID:       uuid.New().String(),
		ThreadID:     req.ThreadID,
		UserID:       req.UserID,
		Request:      req.Content,
		Status:       db.TaskAwaitingChoice,
		Message:      msgAwaitingChoice,
		WorkflowType: workflows.WorkflowReportResearcher,
		Priority:     priority,
		CreatedAt:    now,
	}
	userMsg := &db.Message{
		MessageID:   uuid.New().String(),
		ThreadID:    req.ThreadID,
		Content:     req.Content,
		IsUser:      true,
		MessageType: db.MessageTypeText,
		Metadata: db.JSONB{
			"async_task_id": task.TaskID,
			"response_mode": "pending_choice",
			"priority":      priority,
		},
		CreatedAt: now,
	}
	aiMsg := &db.Message{
		MessageID:   uuid.New().String(),
		ThreadID:    req.ThreadID,
		Content:     msgInterruption,
		MessageType: db.MessageTypeText,
		Metadata: db.JSONB{
			"async_task_id":   task.TaskID,
			"interruption":    true,
			"awaiting_choice": true,
			"choices":         Choices,
		},
		CreatedAt: now,
	}
	if err := s.store.CreateTaskWithMessages(ctx, task, userMsg, aiMsg); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	if _, err := s.store.SetThreadTitleIfEmpty(ctx, req.ThreadID, formatting.ThreadTitle(req.Content)); err != nil {
		s.logger.Warn("Failed to set thread title", zap.String("thread_id", req.ThreadID), zap.Error(err))
	}

	metrics.TasksCreated.WithLabelValues(task.WorkflowType).Inc()
	s.publish(task.TaskID, map[string]interface{}{
		"task_id": task.TaskID,
		"status":  task.Status,
		"message": task.Message,
		"choices": Choices,
	})
	s.logger.Info("Report task created",
		zap.String("task_id", task.TaskID),
		zap.String("thread_id", task.ThreadID),
		zap.String("priority", priority),
	)
	return &CreateResponse{
		TaskID:    task.TaskID,
		ThreadID:  task.ThreadID,
		Status:    task.Status,
		Message:   msgChoosePrompt,
		Choices:   Choices,
		CreatedAt: task.CreatedAt,
	}, nil
}

// Choose applies the user's response mode. Only a task awaiting its choice
// accepts one; async tasks are dispatched to the background executor.
func (s *Service) Choose(ctx context.Context, req ChoiceRequest) (*ChoiceResponse, error) {
	if req.ResponseMode != ModeStream && req.ResponseMode != ModeAsync {
		return nil, ErrInvalidChoice
	}
	task, err := s.Get(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status != db.TaskAwaitingChoice {
		return nil, fmt.Errorf("%w: current status %s", ErrNotAwaitingChoice, task.Status)
	}

	now := s.now()
	msgs := []*db.Message{{
		MessageID:   uuid.New().String(),
		ThreadID:    task.ThreadID,
		Content:     fmt.Sprintf("I choose %s response mode", req.ResponseMode),
		IsUser:      true,
		MessageType: db.MessageTypeText,
		Metadata: db.JSONB{
			"async_task_id": task.TaskID,
			"response_mode": req.ResponseMode,
			"user_choice":   true,
		},
		CreatedAt: now,
	}}
	status, message := db.TaskStreaming, msgStreamRequested
	if req.ResponseMode == ModeAsync {
		status, message = db.TaskQueued, msgQueued
		msgs = append(msgs, &db.Message{
			MessageID:   uuid.New().String(),
			ThreadID:    task.ThreadID,
			Content:     msgAsyncConfirm,
			MessageType: db.MessageTypeText,
			Metadata: db.JSONB{
				"async_task_id": task.TaskID,
				"response_mode": ModeAsync,
				"confirmation":  true,
			},
			CreatedAt: now,
		})
	}

	updated, err := s.store.ApplyChoice(ctx, task.TaskID, status, message, msgs...)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return nil, ErrTaskNotFound
	case errors.Is(err, db.ErrConflict):
		// Lost a race with another choice or a cancel.
		current, gerr := s.Get(ctx, task.TaskID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: current status %s", ErrNotAwaitingChoice, current.Status)
	case err != nil:
		return nil, fmt.Errorf("failed to apply choice: %w", err)
	}

	metrics.TaskChoices.WithLabelValues(req.ResponseMode).Inc()
	s.publish(task.TaskID, map[string]interface{}{
		"task_id":       task.TaskID,
		"status":        updated.Status,
		"message":       updated.Message,
		"response_mode": req.ResponseMode,
	})
	s.logger.Info("Response mode chosen",
		zap.String("task_id", task.TaskID),
		zap.String("response_mode", req.ResponseMode),
	)

	if req.ResponseMode == ModeStream {
		return &ChoiceResponse{
			TaskID:         task.TaskID,
			Status:         updated.Status,
			ResponseMode:   ModeStream,
			Message:        msgStreamRedirect,
			StreamEndpoint: fmt.Sprintf("/api/async/task/%s/stream", task.TaskID),
		}, nil
	}

	if err := s.dispatch(ctx, task.TaskID); err != nil {
		return nil, err
	}
	eta := now.Add(s.cfg.EstimatedCompletion)
	return &ChoiceResponse{
		TaskID:              task.TaskID,
		Status:              updated.Status,
		ResponseMode:        ModeAsync,
		Message:             msgQueuedResponse,
		EstimatedCompletion: &eta,
	}, nil
}

// dispatch hands the task to the executor. A task that cannot be dispatched
// is failed so it does not sit in queued forever.
func (s *Service) dispatch(ctx context.Context, taskID string) error {
	if s.dispatcher == nil {
		return s.abandon(ctx, taskID, errors.New("no dispatcher configured"))
	}
	if err := s.dispatcher.Dispatch(ctx, taskID); err != nil {
		s.logger.Error("Failed to dispatch task", zap.String("task_id", taskID), zap.Error(err))
		return s.abandon(ctx, taskID, err)
	}
	return nil
}

func (s *Service) abandon(ctx context.Context, taskID string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.store.ClaimTask(ctx, taskID, s.workerID, s.cfg.Lease); err == nil {
		msg := fmt.Sprintf("Async report generation failed: %v", cause)
		if ferr := s.store.FailTask(ctx, taskID, s.workerID, cause.Error(), msg); ferr != nil {
			s.logger.Warn("Failed to mark undispatched task failed", zap.String("task_id", taskID), zap.Error(ferr))
		}
		metrics.RecordTaskFinished(db.TaskFailed, 0)
	}
	return fmt.Errorf("failed to dispatch task: %w", cause)
}

// Get returns the task record.
func (s *Service) Get(ctx context.Context, taskID string) (*db.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return task, nil
}

// ListByThread returns the thread's tasks, newest first.
func (s *Service) ListByThread(ctx context.Context, threadID string) ([]db.Task, error) {
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}
	tasks, err := s.store.ListTasksByThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// Cancel marks a non-terminal task cancelled. A worker still running it
// finds out when it next reports progress.
func (s *Service) Cancel(ctx context.Context, taskID string) (*CancelResponse, error) {
	task, err := s.store.CancelTask(ctx, taskID, msgCancelled)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return nil, ErrTaskNotFound
	case errors.Is(err, db.ErrConflict):
		current, gerr := s.Get(ctx, taskID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: %s", ErrNotCancellable, current.Status)
	case err != nil:
		return nil, fmt.Errorf("failed to cancel task: %w", err)
	}

	metrics.RecordTaskFinished(db.TaskCancelled, 0)
	s.publish(taskID, map[string]interface{}{
		"task_id": taskID,
		"status":  task.Status,
		"message": task.Message,
	})
	s.publishEnd(taskID)
	s.logger.Info("Task cancelled", zap.String("task_id", taskID))
	return &CancelResponse{Success: true, Message: msgCancelledSuccess}, nil
}

// StreamTask streams a task whose user chose the streaming mode and appends
// the final answer to the thread.
func (s *Service) StreamTask(ctx context.Context, taskID string, sink streaming.Sink) (workflows.Output, error) {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return workflows.Output{}, err
	}
	if task.Status != db.TaskStreaming {
		return workflows.Output{}, fmt.Errorf("%w: current status %s", ErrNotStreaming, task.Status)
	}
	history, err := s.history(ctx, task)
	if err != nil {
		return workflows.Output{}, err
	}

	out, streamErr := s.streamer.Stream(ctx, workflows.Input{
		Message:  task.Request,
		UserID:   task.UserID,
		ThreadID: task.ThreadID,
		History:  history,
	}, sink)
	if streamErr != nil {
		s.logger.Warn("Task stream interrupted", zap.String("task_id", taskID), zap.Error(streamErr))
	}

	msg := &db.Message{
		MessageID:   uuid.New().String(),
		ThreadID:    task.ThreadID,
		Content:     out.Response,
		MessageType: db.MessageTypeText,
		Metadata: db.JSONB{
			"async_task_id":    task.TaskID,
			"workflow_used":    out.WorkflowUsed,
			"confidence_score": out.ConfidenceScore,
			"analysis_type":    out.AnalysisType,
			"response_mode":    ModeStream,
			"completed_task":   true,
			"report_title":     formatting.ExtractTitle(out.Response, task.Request),
			"error":            out.Error,
			"error_message":    out.ErrorMessage,
		},
	}
	if err := s.store.CreateMessage(context.WithoutCancel(ctx), msg); err != nil {
		return out, fmt.Errorf("failed to store streamed report: %w", err)
	}
	return out, streamErr
}

// history loads the thread's recent messages, leaving out the entries this
// task itself added.
func (s *Service) history(ctx context.Context, task *db.Task) ([]workflows.HistoryEntry, error) {
	msgs, err := s.store.RecentMessages(ctx, task.ThreadID, s.cfg.HistoryLimit+4)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	kept := msgs[:0]
	for _, m := range msgs {
		if id, _ := m.Metadata["async_task_id"].(string); id == task.TaskID {
			continue
		}
		kept = append(kept, m)
	}
	return workflows.TrimHistory(ToHistory(kept), s.cfg.HistoryLimit), nil
}

// ToHistory converts stored messages to workflow history.
func ToHistory(msgs []db.Message) []workflows.HistoryEntry {
	out := make([]workflows.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		role := llm.RoleAssistant
		if m.IsUser {
			role = llm.RoleUser
		}
		out = append(out, workflows.HistoryEntry{Role: role, Content: m.Content, Timestamp: m.CreatedAt})
	}
	return out
}

func (s *Service) publish(taskID string, data map[string]interface{}) {
	if s.progress == nil {
		return
	}
	s.progress.Publish(taskID, streaming.Event{Type: streaming.TypeMetadata, Data: data, Timestamp: s.now()})
}

func (s *Service) publishEnd(taskID string) {
	if s.progress == nil {
		return
	}
	s.progress.Publish(taskID, streaming.Event{
		Type:      streaming.TypeEnd,
		Data:      map[string]interface{}{"status": "stream_completed"},
		Timestamp: s.now(),
	})
}

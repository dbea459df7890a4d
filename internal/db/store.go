package db

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means the addressed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means the row exists but is not in a state that allows the change.
	ErrConflict = errors.New("conflict")
	// ErrNotOwned means a worker tried to advance a task it no longer owns,
	// typically because it was cancelled or its lease was taken over.
	ErrNotOwned = errors.New("task not owned by worker")
)

// Store is the persistence contract used by the chat and task services.
// Task mutations are conditional updates: status transitions and progress
// are only applied when the row is in the expected state.
type Store interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	CreateThread(ctx context.Context, t *Thread) error
	GetThread(ctx context.Context, threadID string) (*Thread, error)
	ListThreads(ctx context.Context, userID string, limit, offset int) ([]Thread, error)
	DeleteThread(ctx context.Context, threadID string) error
	// SetThreadTitleIfEmpty sets title when the current one is empty or the
	// default placeholder. It reports whether the title changed.
	SetThreadTitleIfEmpty(ctx context.Context, threadID, title string) (bool, error)

	CreateMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, threadID string) ([]Message, error)
	// RecentMessages returns the last n messages, oldest first.
	RecentMessages(ctx context.Context, threadID string, n int) ([]Message, error)

	// CreateTaskWithMessages inserts the task and its transcript entries atomically.
	CreateTaskWithMessages(ctx context.Context, t *Task, msgs ...*Message) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ListTasksByThread(ctx context.Context, threadID string) ([]Task, error)
	// ApplyChoice moves an awaiting_choice task to status and appends msgs in
	// the same transaction. Any other current status is ErrConflict.
	ApplyChoice(ctx context.Context, taskID, status, message string, msgs ...*Message) (*Task, error)
	// ClaimTask takes a queued task, or a processing task whose lease has
	// expired, for workerID.
	ClaimTask(ctx context.Context, taskID, workerID string, lease time.Duration) (*Task, error)
	// ExpiredTaskIDs lists processing tasks whose lease has lapsed, oldest update first.
	ExpiredTaskIDs(ctx context.Context, limit int) ([]string, error)
	// UpdateTaskProgress applies only while workerID owns the processing task
	// and progress does not decrease.
	UpdateTaskProgress(ctx context.Context, taskID, workerID string, progress float64, message string) error
	// CompleteTask finishes the task and appends msg atomically.
	CompleteTask(ctx context.Context, taskID, workerID, result, message string, msg *Message) error
	FailTask(ctx context.Context, taskID, workerID, errMsg, message string) error
	// CancelTask cancels a non-terminal task. Terminal tasks are ErrConflict.
	CancelTask(ctx context.Context, taskID, message string) (*Task, error)
}

// expected classifies errors that are not store faults.
func expected(err error) bool {
	return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrNotOwned)
}

package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Async task statuses.
const (
	TaskAwaitingChoice = "awaiting_choice"
	TaskStreaming      = "streaming"
	TaskQueued         = "queued"
	TaskProcessing     = "processing"
	TaskCompleted      = "completed"
	TaskFailed         = "failed"
	TaskCancelled      = "cancelled"
)

// cancellableStatuses are the statuses CancelTask accepts.
var cancellableStatuses = []string{TaskAwaitingChoice, TaskStreaming, TaskQueued, TaskProcessing}

// Cancellable reports whether a task in status may be cancelled.
func Cancellable(status string) bool {
	for _, s := range cancellableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// MessageTypeText is the default message type.
const MessageTypeText = "text"

// JSONB is a JSON object column (jsonb on Postgres, TEXT on SQLite).
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	if len(raw) == 0 {
		*j = nil
		return nil
	}
	return json.Unmarshal(raw, j)
}

// Thread is one conversation.
type Thread struct {
	ThreadID  string    `db:"thread_id" json:"thread_id"`
	Title     string    `db:"title" json:"title"`
	UserID    string    `db:"user_id" json:"user_id,omitempty"`
	Metadata  JSONB     `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Message is one immutable transcript entry.
type Message struct {
	MessageID   string    `db:"message_id" json:"message_id"`
	ThreadID    string    `db:"thread_id" json:"thread_id"`
	Content     string    `db:"content" json:"content"`
	IsUser      bool      `db:"is_user" json:"is_user"`
	MessageType string    `db:"message_type" json:"message_type"`
	Metadata    JSONB     `db:"metadata" json:"metadata,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Task is an async report task record. Once processing starts only the
// worker holding the lease (WorkerID) may advance it.
type Task struct {
	TaskID         string     `db:"task_id" json:"task_id"`
	ThreadID       string     `db:"thread_id" json:"thread_id"`
	UserID         string     `db:"user_id" json:"user_id,omitempty"`
	Request        string     `db:"request" json:"request"`
	Status         string     `db:"status" json:"status"`
	Progress       float64    `db:"progress" json:"progress"`
	Message        string     `db:"message" json:"message"`
	Result         *string    `db:"result" json:"result,omitempty"`
	Error          *string    `db:"error" json:"error,omitempty"`
	WorkflowType   string     `db:"workflow_type" json:"workflow_type"`
	Priority       string     `db:"priority" json:"priority"`
	WorkerID       *string    `db:"worker_id" json:"-"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at" json:"-"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Terminal reports whether the task can no longer change.
func (t *Task) Terminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

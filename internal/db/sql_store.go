package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/chatflow/internal/circuitbreaker"
	"github.com/Kocoro-lab/chatflow/internal/formatting"
)

const (
	threadColumns  = "thread_id, title, user_id, metadata, created_at, updated_at"
	messageColumns = "message_id, thread_id, content, is_user, message_type, metadata, created_at"
	taskColumns    = "task_id, thread_id, user_id, request, status, progress, message, result, error, " +
		"workflow_type, priority, worker_id, lease_expires_at, created_at, updated_at, completed_at"
)

// SQLStore implements Store on Postgres or SQLite through sqlx. Every call
// runs behind a circuit breaker; not-found and conflict results do not count
// as failures.
type SQLStore struct {
	db     *sqlx.DB
	guard  *circuitbreaker.Guard
	logger *zap.Logger
	now    func() time.Time
}

// NewSQLStore wraps an open database. The driver name of db selects the
// placeholder style and schema dialect.
func NewSQLStore(db *sqlx.DB, settings circuitbreaker.Settings, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings.IsSuccessful = expected
	return &SQLStore{
		db:     db,
		guard:  circuitbreaker.NewGuard("store", db.DriverName(), settings, logger),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// DB exposes the underlying handle for health checks.
func (s *SQLStore) DB() *sqlx.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// BreakerState reports the store breaker.
func (s *SQLStore) BreakerState() circuitbreaker.State { return s.guard.State() }

func (s *SQLStore) do(ctx context.Context, fn func() error) error {
	return s.guard.Do(ctx, fn)
}

// Migrate creates the schema for the active dialect.
func (s *SQLStore) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if s.db.DriverName() == "sqlite3" {
		schema = sqliteSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateThread(ctx context.Context, t *Thread) error {
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	return s.do(ctx, func() error {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO threads (`+threadColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
			t.ThreadID, t.Title, t.UserID, t.Metadata, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create thread: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	var t Thread
	err := s.do(ctx, func() error {
		err := s.db.GetContext(ctx, &t, s.db.Rebind(`SELECT `+threadColumns+` FROM threads WHERE thread_id = ?`), threadID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get thread: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLStore) ListThreads(ctx context.Context, userID string, limit, offset int) ([]Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	threads := []Thread{}
	err := s.do(ctx, func() error {
		query := `SELECT ` + threadColumns + ` FROM threads`
		args := []interface{}{}
		if userID != "" {
			query += ` WHERE user_id = ?`
			args = append(args, userID)
		}
		query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
		if err := s.db.SelectContext(ctx, &threads, s.db.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to list threads: %w", err)
		}
		return nil
	})
	return threads, err
}

// DeleteThread removes the thread with its messages and tasks.
func (s *SQLStore) DeleteThread(ctx context.Context, threadID string) error {
	return s.do(ctx, func() error {
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM threads WHERE thread_id = ?`), threadID)
			if err != nil {
				return fmt.Errorf("failed to delete thread: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrNotFound
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM messages WHERE thread_id = ?`), threadID); err != nil {
				return fmt.Errorf("failed to delete messages: %w", err)
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM async_tasks WHERE thread_id = ?`), threadID); err != nil {
				return fmt.Errorf("failed to delete tasks: %w", err)
			}
			return nil
		})
	})
}

func (s *SQLStore) SetThreadTitleIfEmpty(ctx context.Context, threadID, title string) (bool, error) {
	var changed bool
	err := s.do(ctx, func() error {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(
			`UPDATE threads SET title = ?, updated_at = ? WHERE thread_id = ? AND (title = '' OR title = ?)`),
			title, s.now(), threadID, formatting.DefaultThreadTitle)
		if err != nil {
			return fmt.Errorf("failed to set thread title: %w", err)
		}
		n, _ := res.RowsAffected()
		changed = n > 0
		return nil
	})
	return changed, err
}

func (s *SQLStore) CreateMessage(ctx context.Context, m *Message) error {
	return s.do(ctx, func() error {
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			return s.insertMessage(ctx, tx, m)
		})
	})
}

func (s *SQLStore) insertMessage(ctx context.Context, tx *sqlx.Tx, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	if m.MessageType == "" {
		m.MessageType = MessageTypeText
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		m.MessageID, m.ThreadID, m.Content, m.IsUser, m.MessageType, m.Metadata, m.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE threads SET updated_at = ? WHERE thread_id = ?`),
		m.CreatedAt, m.ThreadID); err != nil {
		return fmt.Errorf("failed to touch thread: %w", err)
	}
	return nil
}

func (s *SQLStore) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	msgs := []Message{}
	err := s.do(ctx, func() error {
		if err := s.db.SelectContext(ctx, &msgs, s.db.Rebind(
			`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY created_at ASC, id ASC`), threadID); err != nil {
			return fmt.Errorf("failed to list messages: %w", err)
		}
		return nil
	})
	return msgs, err
}

func (s *SQLStore) RecentMessages(ctx context.Context, threadID string, n int) ([]Message, error) {
	msgs := []Message{}
	if n <= 0 {
		return msgs, nil
	}
	err := s.do(ctx, func() error {
		if err := s.db.SelectContext(ctx, &msgs, s.db.Rebind(
			`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`), threadID, n); err != nil {
			return fmt.Errorf("failed to load recent messages: %w", err)
		}
		return nil
	})
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, err
}

func (s *SQLStore) CreateTaskWithMessages(ctx context.Context, t *Task, msgs ...*Message) error {
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	return s.do(ctx, func() error {
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, tx.Rebind(
				`INSERT INTO async_tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				t.TaskID, t.ThreadID, t.UserID, t.Request, t.Status, t.Progress, t.Message, t.Result, t.Error,
				t.WorkflowType, t.Priority, t.WorkerID, t.LeaseExpiresAt, t.CreatedAt, t.UpdatedAt, t.CompletedAt); err != nil {
				return fmt.Errorf("failed to create task: %w", err)
			}
			for _, m := range msgs {
				if err := s.insertMessage(ctx, tx, m); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (s *SQLStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var t *Task
	err := s.do(ctx, func() error {
		var err error
		t, err = getTask(ctx, s.db, taskID)
		return err
	})
	return t, err
}

func (s *SQLStore) ListTasksByThread(ctx context.Context, threadID string) ([]Task, error) {
	tasks := []Task{}
	err := s.do(ctx, func() error {
		if err := s.db.SelectContext(ctx, &tasks, s.db.Rebind(
			`SELECT `+taskColumns+` FROM async_tasks WHERE thread_id = ? ORDER BY created_at DESC`), threadID); err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}
		return nil
	})
	return tasks, err
}

func (s *SQLStore) ApplyChoice(ctx context.Context, taskID, status, message string, msgs ...*Message) (*Task, error) {
	var out *Task
	err := s.do(ctx, func() error {
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			res, err := tx.ExecContext(ctx, tx.Rebind(
				`UPDATE async_tasks SET status = ?, progress = 0, message = ?, updated_at = ? WHERE task_id = ? AND status = ?`),
				status, message, s.now(), taskID, TaskAwaitingChoice)
			if err != nil {
				return fmt.Errorf("failed to apply choice: %w", err)
			}
			if err := s.explainMiss(ctx, tx, res, taskID, ErrConflict); err != nil {
				return err
			}
			for _, m := range msgs {
				if err := s.insertMessage(ctx, tx, m); err != nil {
					return err
				}
			}
			out, err = getTask(ctx, tx, taskID)
			return err
		})
	})
	return out, err
}

func (s *SQLStore) ClaimTask(ctx context.Context, taskID, workerID string, lease time.Duration) (*Task, error) {
	var out *Task
	err := s.do(ctx, func() error {
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			now := s.now()
			res, err := tx.ExecContext(ctx, tx.Rebind(
				`UPDATE async_tasks SET status = ?, worker_id = ?, lease_expires_at = ?, updated_at = ?
				 WHERE task_id = ? AND (status = ? OR (status = ? AND lease_expires_at < ?))`),
				TaskProcessing, workerID, now.Add(lease), now, taskID, TaskQueued, TaskProcessing, now)
			if err != nil {
				return fmt.Errorf("failed to claim task: %w", err)
			}
			if err := s.explainMiss(ctx, tx, res, taskID, ErrConflict); err != nil {
				return err
			}
			out, err = getTask(ctx, tx, taskID)
			return err
		})
	})
	return out, err
}

func (s *SQLStore) ExpiredTaskIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids := []string{}
	err := s.do(ctx, func() error {
		if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(
			`SELECT task_id FROM async_tasks WHERE status = ? AND lease_expires_at < ? ORDER BY updated_at LIMIT ?`),
			TaskProcessing, s.now(), limit); err != nil {
			return fmt.Errorf("failed to list expired tasks: %w", err)
		}
		return nil
	})
	return ids, err
}

func (s *SQLStore) UpdateTaskProgress(ctx context.Context, taskID, workerID string, progress float64, message string) error {
	return s.do(ctx, func() error {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(
			`UPDATE async_tasks SET progress = ?, message = ?, updated_at = ?
			 WHERE task_id = ? AND worker_id = ? AND status = ? AND progress <= ?`),
			progress, message, s.now(), taskID, workerID, TaskProcessing, progress)
		if err != nil {
			return fmt.Errorf("failed to update task progress: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotOwned
		}
		return nil
	})
}

func (s *SQLStore) CompleteTask(ctx context.Context, taskID, workerID, result, message string, msg *Message) error {
	return s.do(ctx, func() error {
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			now := s.now()
			res, err := tx.ExecContext(ctx, tx.Rebind(
				`UPDATE async_tasks SET status = ?, progress = 1.0, message = ?, result = ?, updated_at = ?, completed_at = ?, lease_expires_at = NULL
				 WHERE task_id = ? AND worker_id = ? AND status = ?`),
				TaskCompleted, message, result, now, now, taskID, workerID, TaskProcessing)
			if err != nil {
				return fmt.Errorf("failed to complete task: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrNotOwned
			}
			if msg != nil {
				return s.insertMessage(ctx, tx, msg)
			}
			return nil
		})
	})
}

func (s *SQLStore) FailTask(ctx context.Context, taskID, workerID, errMsg, message string) error {
	return s.do(ctx, func() error {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(
			`UPDATE async_tasks SET status = ?, message = ?, error = ?, updated_at = ?, lease_expires_at = NULL
			 WHERE task_id = ? AND worker_id = ? AND status = ?`),
			TaskFailed, message, errMsg, s.now(), taskID, workerID, TaskProcessing)
		if err != nil {
			return fmt.Errorf("failed to fail task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotOwned
		}
		return nil
	})
}

func (s *SQLStore) CancelTask(ctx context.Context, taskID, message string) (*Task, error) {
	var out *Task
	err := s.do(ctx, func() error {
		return s.inTx(ctx, func(tx *sqlx.Tx) error {
			res, err := tx.ExecContext(ctx, tx.Rebind(
				`UPDATE async_tasks SET status = ?, message = ?, updated_at = ?
				 WHERE task_id = ? AND status IN (?, ?, ?, ?)`),
				TaskCancelled, message, s.now(), taskID,
				cancellableStatuses[0], cancellableStatuses[1], cancellableStatuses[2], cancellableStatuses[3])
			if err != nil {
				return fmt.Errorf("failed to cancel task: %w", err)
			}
			if err := s.explainMiss(ctx, tx, res, taskID, ErrConflict); err != nil {
				return err
			}
			out, err = getTask(ctx, tx, taskID)
			return err
		})
	})
	return out, err
}

// explainMiss turns a zero-row conditional update into ErrNotFound or miss.
func (s *SQLStore) explainMiss(ctx context.Context, tx *sqlx.Tx, res sql.Result, taskID string, miss error) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	err := tx.GetContext(ctx, &status, tx.Rebind(`SELECT status FROM async_tasks WHERE task_id = ?`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read task status: %w", err)
	}
	return fmt.Errorf("%w: task is %s", miss, status)
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Rebind(query string) string
}

func getTask(ctx context.Context, q queryer, taskID string) (*Task, error) {
	var t Task
	err := q.GetContext(ctx, &t, q.Rebind(`SELECT `+taskColumns+` FROM async_tasks WHERE task_id = ?`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &t, nil
}

package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/chatflow/internal/circuitbreaker"
)

// forEachStore runs fn against the in-memory store and a SQLite :memory: store.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := Open(context.Background(), Config{Driver: DriverSQLite, DSN: ":memory:"}, circuitbreaker.DatabaseSettings(), zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func seedThread(t *testing.T, s Store, id, user string) {
	require.NoError(t, s.CreateThread(context.Background(), &Thread{ThreadID: id, Title: "New Conversation", UserID: user}))
}

func msg(thread, id, content string, user bool) *Message {
	return &Message{MessageID: id, ThreadID: thread, Content: content, IsUser: user, Metadata: JSONB{"async_task_id": "task-1"}}
}

func TestThreads(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedThread(t, s, "t1", "alice")
		seedThread(t, s, "t2", "bob")
		seedThread(t, s, "t3", "alice")

		got, err := s.GetThread(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.UserID)
		assert.False(t, got.CreatedAt.IsZero())

		_, err = s.GetThread(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		list, err := s.ListThreads(ctx, "alice", 10, 0)
		require.NoError(t, err)
		assert.Len(t, list, 2)

		all, err := s.ListThreads(ctx, "", 2, 0)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		changed, err := s.SetThreadTitleIfEmpty(ctx, "t1", "Hello there")
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = s.SetThreadTitleIfEmpty(ctx, "t1", "Something else")
		require.NoError(t, err)
		assert.False(t, changed)
		got, _ = s.GetThread(ctx, "t1")
		assert.Equal(t, "Hello there", got.Title)
	})
}

func TestMessagesOrdering(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedThread(t, s, "t1", "")
		for i := 0; i < 12; i++ {
			require.NoError(t, s.CreateMessage(ctx, msg("t1", fmt.Sprintf("m%02d", i), fmt.Sprintf("c%d", i), i%2 == 0)))
		}

		all, err := s.ListMessages(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, all, 12)
		assert.Equal(t, "c0", all[0].Content)
		assert.True(t, all[0].IsUser)
		assert.Equal(t, MessageTypeText, all[0].MessageType)
		assert.Equal(t, "task-1", all[0].Metadata["async_task_id"])

		recent, err := s.RecentMessages(ctx, "t1", 10)
		require.NoError(t, err)
		require.Len(t, recent, 10)
		assert.Equal(t, "c2", recent[0].Content)
		assert.Equal(t, "c11", recent[9].Content)

		empty, err := s.RecentMessages(ctx, "other", 10)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestDeleteThreadCascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedThread(t, s, "t1", "")
		require.NoError(t, s.CreateTaskWithMessages(ctx, newTask("task-1", "t1"), msg("t1", "m1", "report please", true)))

		require.NoError(t, s.DeleteThread(ctx, "t1"))
		_, err := s.GetTask(ctx, "task-1")
		assert.ErrorIs(t, err, ErrNotFound)
		msgs, _ := s.ListMessages(ctx, "t1")
		assert.Empty(t, msgs)
		assert.ErrorIs(t, s.DeleteThread(ctx, "t1"), ErrNotFound)
	})
}

func newTask(id, thread string) *Task {
	return &Task{
		TaskID:       id,
		ThreadID:     thread,
		Request:      "Write a report about tides",
		Status:       TaskAwaitingChoice,
		Message:      "Awaiting your choice for response mode",
		WorkflowType: "report_researcher",
		Priority:     "normal",
	}
}

func TestTaskLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedThread(t, s, "t1", "")
		require.NoError(t, s.CreateTaskWithMessages(ctx, newTask("task-1", "t1"),
			msg("t1", "m1", "Write a report about tides", true),
			msg("t1", "m2", "How would you like to receive the response?", false),
		))

		msgs, _ := s.ListMessages(ctx, "t1")
		assert.Len(t, msgs, 2)

		_, err := s.ClaimTask(ctx, "task-1", "w1", time.Minute)
		assert.ErrorIs(t, err, ErrConflict)

		task, err := s.ApplyChoice(ctx, "task-1", TaskQueued, "queued", msg("t1", "m3", "I choose async response mode", true))
		require.NoError(t, err)
		assert.Equal(t, TaskQueued, task.Status)

		_, err = s.ApplyChoice(ctx, "task-1", TaskStreaming, "again")
		assert.ErrorIs(t, err, ErrConflict)
		_, err = s.ApplyChoice(ctx, "nope", TaskQueued, "x")
		assert.ErrorIs(t, err, ErrNotFound)

		task, err = s.ClaimTask(ctx, "task-1", "w1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, TaskProcessing, task.Status)
		require.NotNil(t, task.WorkerID)
		assert.Equal(t, "w1", *task.WorkerID)

		_, err = s.ClaimTask(ctx, "task-1", "w2", time.Minute)
		assert.ErrorIs(t, err, ErrConflict)

		require.NoError(t, s.UpdateTaskProgress(ctx, "task-1", "w1", 0.3, "step"))
		assert.ErrorIs(t, s.UpdateTaskProgress(ctx, "task-1", "w1", 0.1, "backwards"), ErrNotOwned)
		assert.ErrorIs(t, s.UpdateTaskProgress(ctx, "task-1", "w2", 0.6, "intruder"), ErrNotOwned)

		task, _ = s.GetTask(ctx, "task-1")
		assert.Equal(t, 0.3, task.Progress)
		assert.Equal(t, "step", task.Message)

		require.NoError(t, s.CompleteTask(ctx, "task-1", "w1", "# Tides", "done", msg("t1", "m4", "# Tides", false)))
		task, _ = s.GetTask(ctx, "task-1")
		assert.Equal(t, TaskCompleted, task.Status)
		assert.Equal(t, 1.0, task.Progress)
		require.NotNil(t, task.Result)
		assert.Equal(t, "# Tides", *task.Result)
		assert.NotNil(t, task.CompletedAt)
		assert.True(t, task.Terminal())

		msgs, _ = s.ListMessages(ctx, "t1")
		assert.Len(t, msgs, 4)

		_, err = s.CancelTask(ctx, "task-1", "Task cancelled by user")
		assert.ErrorIs(t, err, ErrConflict)

		tasks, err := s.ListTasksByThread(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, tasks, 1)
	})
}

func TestCompleteAfterCancelIsNoop(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedThread(t, s, "t1", "")
		require.NoError(t, s.CreateTaskWithMessages(ctx, newTask("task-1", "t1")))
		_, err := s.ApplyChoice(ctx, "task-1", TaskQueued, "queued")
		require.NoError(t, err)
		_, err = s.ClaimTask(ctx, "task-1", "w1", time.Minute)
		require.NoError(t, err)

		task, err := s.CancelTask(ctx, "task-1", "Task cancelled by user")
		require.NoError(t, err)
		assert.Equal(t, TaskCancelled, task.Status)

		err = s.CompleteTask(ctx, "task-1", "w1", "report", "done", msg("t1", "m9", "report", false))
		assert.ErrorIs(t, err, ErrNotOwned)
		assert.ErrorIs(t, s.FailTask(ctx, "task-1", "w1", "boom", "failed"), ErrNotOwned)

		task, _ = s.GetTask(ctx, "task-1")
		assert.Equal(t, TaskCancelled, task.Status)
		assert.Nil(t, task.Result)
		msgs, _ := s.ListMessages(ctx, "t1")
		assert.Empty(t, msgs)
	})
}

func TestExpiredLeaseCanBeReclaimed(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedThread(t, s, "t1", "")
		require.NoError(t, s.CreateTaskWithMessages(ctx, newTask("task-1", "t1")))
		_, err := s.ApplyChoice(ctx, "task-1", TaskQueued, "queued")
		require.NoError(t, err)

		ids, err := s.ExpiredTaskIDs(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, ids)

		_, err = s.ClaimTask(ctx, "task-1", "w1", -time.Second)
		require.NoError(t, err)
		require.NoError(t, s.UpdateTaskProgress(ctx, "task-1", "w1", 0.6, "generating"))

		ids, err = s.ExpiredTaskIDs(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"task-1"}, ids)

		task, err := s.ClaimTask(ctx, "task-1", "w2", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "w2", *task.WorkerID)
		assert.Equal(t, 0.6, task.Progress)

		ids, err = s.ExpiredTaskIDs(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, ids)

		assert.ErrorIs(t, s.UpdateTaskProgress(ctx, "task-1", "w1", 0.5, "stale"), ErrNotOwned)
		require.NoError(t, s.FailTask(ctx, "task-1", "w2", "boom", "Async report generation failed: boom"))

		task, _ = s.GetTask(ctx, "task-1")
		assert.Equal(t, TaskFailed, task.Status)
		require.NotNil(t, task.Error)
		assert.Equal(t, "boom", *task.Error)
	})
}

func TestCancelStates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedThread(t, s, "t1", "")
		require.NoError(t, s.CreateTaskWithMessages(ctx, newTask("task-1", "t1")))

		task, err := s.CancelTask(ctx, "task-1", "Task cancelled by user")
		require.NoError(t, err)
		assert.Equal(t, "Task cancelled by user", task.Message)

		_, err = s.CancelTask(ctx, "task-1", "again")
		assert.ErrorIs(t, err, ErrConflict)
		_, err = s.CancelTask(ctx, "missing", "x")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestCancellable(t *testing.T) {
	for _, s := range []string{TaskAwaitingChoice, TaskStreaming, TaskQueued, TaskProcessing} {
		assert.True(t, Cancellable(s), s)
	}
	for _, s := range []string{TaskCompleted, TaskFailed, TaskCancelled} {
		assert.False(t, Cancellable(s), s)
	}
}

func TestJSONBScan(t *testing.T) {
	var j JSONB
	require.NoError(t, j.Scan(`{"a":1}`))
	assert.Equal(t, float64(1), j["a"])
	require.NoError(t, j.Scan([]byte(`{"b":"x"}`)))
	assert.Equal(t, "x", j["b"])
	require.NoError(t, j.Scan(nil))
	assert.Nil(t, j)
	assert.Error(t, j.Scan(42))

	v, err := JSONB(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"}, circuitbreaker.DatabaseSettings(), zap.NewNop())
	assert.Error(t, err)

	s, err := Open(context.Background(), Config{Driver: DriverMemory}, circuitbreaker.DatabaseSettings(), nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
}

package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Kocoro-lab/chatflow/internal/formatting"
)

// MemoryStore implements Store in process. One mutex guards everything, so
// each operation is atomic.
type MemoryStore struct {
	mu       sync.Mutex
	threads  map[string]*Thread
	messages map[string][]*Message
	tasks    map[string]*Task
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]*Thread),
		messages: make(map[string][]*Message),
		tasks:    make(map[string]*Task),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }
func (s *MemoryStore) Ping(context.Context) error    { return nil }

func (s *MemoryStore) CreateThread(_ context.Context, t *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[t.ThreadID]; ok {
		return fmt.Errorf("%w: thread %s exists", ErrConflict, t.ThreadID)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.UpdatedAt = t.CreatedAt
	cp := *t
	s.threads[t.ThreadID] = &cp
	return nil
}

func (s *MemoryStore) GetThread(_ context.Context, threadID string) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListThreads(_ context.Context, userID string, limit, offset int) ([]Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Thread{}
	for _, t := range s.threads {
		if userID == "" || t.UserID == userID {
			out = append(out, *t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if offset >= len(out) {
		return []Thread{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return ErrNotFound
	}
	delete(s.threads, threadID)
	delete(s.messages, threadID)
	for id, t := range s.tasks {
		if t.ThreadID == threadID {
			delete(s.tasks, id)
		}
	}
	return nil
}

func (s *MemoryStore) SetThreadTitleIfEmpty(_ context.Context, threadID, title string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok || !formatting.NeedsTitle(t.Title) {
		return false, nil
	}
	t.Title = title
	t.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendMessage(m)
	return nil
}

func (s *MemoryStore) appendMessage(m *Message) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	if m.MessageType == "" {
		m.MessageType = MessageTypeText
	}
	cp := *m
	s.messages[m.ThreadID] = append(s.messages[m.ThreadID], &cp)
	if t, ok := s.threads[m.ThreadID]; ok {
		t.UpdatedAt = m.CreatedAt
	}
}

func (s *MemoryStore) ListMessages(_ context.Context, threadID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.messages[threadID]))
	for _, m := range s.messages[threadID] {
		out = append(out, *m)
	}
	return out, nil
}

func (s *MemoryStore) RecentMessages(ctx context.Context, threadID string, n int) ([]Message, error) {
	all, _ := s.ListMessages(ctx, threadID)
	if n <= 0 {
		return []Message{}, nil
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func (s *MemoryStore) CreateTaskWithMessages(_ context.Context, t *Task, msgs ...*Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.TaskID]; ok {
		return fmt.Errorf("%w: task %s exists", ErrConflict, t.TaskID)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.UpdatedAt = t.CreatedAt
	cp := *t
	s.tasks[t.TaskID] = &cp
	for _, m := range msgs {
		s.appendMessage(m)
	}
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasksByThread(_ context.Context, threadID string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Task{}
	for _, t := range s.tasks {
		if t.ThreadID == threadID {
			out = append(out, *t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ApplyChoice(_ context.Context, taskID, status, message string, msgs ...*Message) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != TaskAwaitingChoice {
		return nil, fmt.Errorf("%w: task is %s", ErrConflict, t.Status)
	}
	t.Status = status
	t.Progress = 0
	t.Message = message
	t.UpdatedAt = s.now()
	for _, m := range msgs {
		s.appendMessage(m)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ClaimTask(_ context.Context, taskID, workerID string, lease time.Duration) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	now := s.now()
	expired := t.Status == TaskProcessing && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(now)
	if t.Status != TaskQueued && !expired {
		return nil, fmt.Errorf("%w: task is %s", ErrConflict, t.Status)
	}
	until := now.Add(lease)
	t.Status = TaskProcessing
	t.WorkerID = &workerID
	t.LeaseExpiresAt = &until
	t.UpdatedAt = now
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ExpiredTaskIDs(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var expired []*Task
	for _, t := range s.tasks {
		if t.Status == TaskProcessing && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(now) {
			expired = append(expired, t)
		}
	}
	sort.SliceStable(expired, func(i, j int) bool { return expired[i].UpdatedAt.Before(expired[j].UpdatedAt) })
	ids := []string{}
	for _, t := range expired {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, t.TaskID)
	}
	return ids, nil
}

// owned returns the task when workerID holds it in processing.
func (s *MemoryStore) owned(taskID, workerID string) (*Task, error) {
	t, ok := s.tasks[taskID]
	if !ok || t.Status != TaskProcessing || t.WorkerID == nil || *t.WorkerID != workerID {
		return nil, ErrNotOwned
	}
	return t, nil
}

func (s *MemoryStore) UpdateTaskProgress(_ context.Context, taskID, workerID string, progress float64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.owned(taskID, workerID)
	if err != nil {
		return err
	}
	if progress < t.Progress {
		return ErrNotOwned
	}
	t.Progress = progress
	t.Message = message
	t.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) CompleteTask(_ context.Context, taskID, workerID, result, message string, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.owned(taskID, workerID)
	if err != nil {
		return err
	}
	now := s.now()
	t.Status = TaskCompleted
	t.Progress = 1.0
	t.Message = message
	t.Result = &result
	t.UpdatedAt = now
	t.CompletedAt = &now
	t.LeaseExpiresAt = nil
	if msg != nil {
		s.appendMessage(msg)
	}
	return nil
}

func (s *MemoryStore) FailTask(_ context.Context, taskID, workerID, errMsg, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.owned(taskID, workerID)
	if err != nil {
		return err
	}
	t.Status = TaskFailed
	t.Message = message
	t.Error = &errMsg
	t.UpdatedAt = s.now()
	t.LeaseExpiresAt = nil
	return nil
}

func (s *MemoryStore) CancelTask(_ context.Context, taskID, message string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if !Cancellable(t.Status) {
		return nil, fmt.Errorf("%w: task is %s", ErrConflict, t.Status)
	}
	t.Status = TaskCancelled
	t.Message = message
	t.UpdatedAt = s.now()
	cp := *t
	return &cp, nil
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/chatflow/internal/db"
	"github.com/Kocoro-lab/chatflow/internal/formatting"
	"github.com/Kocoro-lab/chatflow/internal/intent"
	"github.com/Kocoro-lab/chatflow/internal/llm"
	"github.com/Kocoro-lab/chatflow/internal/streaming"
	"github.com/Kocoro-lab/chatflow/internal/tools"
	"github.com/Kocoro-lab/chatflow/internal/workflows"
)

type runnerFunc func(ctx context.Context, in workflows.Input) workflows.Output

func (f runnerFunc) Run(ctx context.Context, in workflows.Input) workflows.Output { return f(ctx, in) }

type streamFunc func(ctx context.Context, in workflows.Input, sink streaming.Sink) (workflows.Output, error)

func (f streamFunc) Stream(ctx context.Context, in workflows.Input, sink streaming.Sink) (workflows.Output, error) {
	return f(ctx, in, sink)
}

func newThread(t *testing.T, svc *Service) string {
	t.Helper()
	th, err := svc.CreateThread(context.Background(), CreateThreadRequest{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, formatting.DefaultThreadTitle, th.Title)
	return th.ThreadID
}

func TestSendStoresBothSides(t *testing.T) {
	var seen []workflows.Input
	store := db.NewMemoryStore()
	svc := NewService(store, runnerFunc(func(_ context.Context, in workflows.Input) workflows.Output {
		seen = append(seen, in)
		return workflows.Output{Response: "reply to " + in.Message, WorkflowUsed: workflows.WorkflowSimpleChat, ConfidenceScore: 0.8}
	}), nil, 10, zaptest.NewLogger(t))
	id := newThread(t, svc)
	ctx := context.Background()

	first, err := svc.Send(ctx, SendRequest{ThreadID: id, Content: "  hello there  ", UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", first.UserMessage.Content)
	assert.Equal(t, "reply to hello there", first.AssistantMessage.Content)
	assert.Equal(t, first.UserMessage.MessageID, first.AssistantMessage.Metadata["response_to"])
	assert.Equal(t, "sync", first.AssistantMessage.Metadata["response_mode"])
	assert.Equal(t, 0.8, first.ConfidenceScore)

	_, err = svc.Send(ctx, SendRequest{ThreadID: id, Content: "second"})
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Empty(t, seen[0].History)
	require.Len(t, seen[1].History, 2)
	assert.Equal(t, llm.RoleUser, seen[1].History[0].Role)
	assert.Equal(t, "reply to hello there", seen[1].History[1].Content)
	assert.Equal(t, "alice", seen[0].UserID)

	th, err := svc.GetThread(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello there", th.Title)

	msgs, err := svc.Messages(ctx, id)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestSendHistoryIsBounded(t *testing.T) {
	var last workflows.Input
	store := db.NewMemoryStore()
	svc := NewService(store, runnerFunc(func(_ context.Context, in workflows.Input) workflows.Output {
		last = in
		return workflows.Output{Response: "ok", WorkflowUsed: workflows.WorkflowSimpleChat}
	}), nil, 10, zaptest.NewLogger(t))
	id := newThread(t, svc)

	for i := 0; i < 8; i++ {
		_, err := svc.Send(context.Background(), SendRequest{ThreadID: id, Content: fmt.Sprintf("message %d", i)})
		require.NoError(t, err)
	}
	require.Len(t, last.History, 10)
	assert.Equal(t, "message 2", last.History[0].Content)
	assert.Equal(t, "ok", last.History[9].Content)
}

func TestSendValidation(t *testing.T) {
	svc := NewService(db.NewMemoryStore(), runnerFunc(func(context.Context, workflows.Input) workflows.Output {
		t.Fatal("supervisor must not run")
		return workflows.Output{}
	}), nil, 10, zaptest.NewLogger(t))

	_, err := svc.Send(context.Background(), SendRequest{ThreadID: "missing", Content: "hi"})
	assert.ErrorIs(t, err, ErrThreadNotFound)

	id := newThread(t, svc)
	_, err = svc.Send(context.Background(), SendRequest{ThreadID: id, Content: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestStreamStoresAnswerAfterSinkFailure(t *testing.T) {
	store := db.NewMemoryStore()
	svc := NewService(store, nil, streamFunc(func(ctx context.Context, in workflows.Input, sink streaming.Sink) (workflows.Output, error) {
		err := sink.Emit(ctx, streaming.Event{Type: streaming.TypeContent})
		return workflows.Output{Response: "streamed", WorkflowUsed: workflows.WorkflowSimpleChat}, err
	}), 10, zaptest.NewLogger(t))
	id := newThread(t, svc)

	failing := streaming.SinkFunc(func(context.Context, streaming.Event) error { return errors.New("client gone") })
	reply, err := svc.Stream(context.Background(), SendRequest{ThreadID: id, Content: "hi"}, failing)
	require.NoError(t, err)
	assert.Equal(t, "streamed", reply.AssistantMessage.Content)
	assert.Equal(t, "stream", reply.AssistantMessage.Metadata["response_mode"])

	msgs, _ := store.ListMessages(context.Background(), id)
	assert.Len(t, msgs, 2)
}

func TestStreamEndToEnd(t *testing.T) {
	gen := llm.NewScripted(llm.Reply("Hi! How can I help you today?"))
	dialogue := workflows.NewDialogueWorkflow(gen, tools.DialogueTools(nil), workflows.DefaultDialogueConfig(), zaptest.NewLogger(t))
	report := workflows.NewReportWorkflow(gen, workflows.DefaultReportConfig(), zaptest.NewLogger(t))
	sup := workflows.NewSupervisor(intent.NewClassifier(intent.DefaultRules()), dialogue, report, nil, zaptest.NewLogger(t))
	opts := streaming.Options{ChunkSize: 10, ReportChunkSize: 10}
	svc := NewService(db.NewMemoryStore(), sup, streaming.NewStreamer(sup, opts, zaptest.NewLogger(t)), 10, zaptest.NewLogger(t))
	id := newThread(t, svc)

	rec := &streaming.Recorder{}
	reply, err := svc.Stream(context.Background(), SendRequest{ThreadID: id, Content: "hello"}, rec)
	require.NoError(t, err)
	assert.Equal(t, workflows.WorkflowSimpleChat, reply.WorkflowUsed)
	assert.Equal(t, "Hi! How can I help you today?", reply.AssistantMessage.Content)

	types := rec.Types()
	require.NotEmpty(t, types)
	assert.Equal(t, streaming.TypeEnd, types[len(types)-1])
	var content strings.Builder
	for _, ev := range rec.Events() {
		if ev.Type == streaming.TypeContent {
			content.WriteString(ev.Data["content"].(string))
		}
	}
	assert.Equal(t, reply.AssistantMessage.Content, content.String())
}

func TestThreadLifecycle(t *testing.T) {
	svc := NewService(db.NewMemoryStore(), nil, nil, 10, zaptest.NewLogger(t))
	ctx := context.Background()

	th, err := svc.CreateThread(ctx, CreateThreadRequest{Title: "Energy", UserID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "Energy", th.Title)

	list, err := svc.ListThreads(ctx, "bob", 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, svc.DeleteThread(ctx, th.ThreadID))
	assert.ErrorIs(t, svc.DeleteThread(ctx, th.ThreadID), ErrThreadNotFound)
	_, err = svc.Messages(ctx, th.ThreadID)
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

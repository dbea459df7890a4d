package streaming

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/chatflow/internal/intent"
	"github.com/Kocoro-lab/chatflow/internal/llm"
	"github.com/Kocoro-lab/chatflow/internal/tools"
	"github.com/Kocoro-lab/chatflow/internal/workflows"
)

func clock() time.Time { return time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC) }

func newTestStreamer(t *testing.T, classifier *intent.Classifier, gen llm.Generator) *Streamer {
	logger := zaptest.NewLogger(t)
	dialogue := workflows.NewDialogueWorkflow(gen, tools.DialogueTools(clock), workflows.DefaultDialogueConfig(), logger)
	cfg := workflows.DefaultReportConfig()
	cfg.Now = clock
	report := workflows.NewReportWorkflow(gen, cfg, logger)
	sup := workflows.NewSupervisor(classifier, dialogue, report, clock, logger)
	return NewStreamer(sup, Options{ReportChunkSize: 100, ChunkSize: 50}, logger)
}

func contentOf(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == TypeContent {
			b.WriteString(ev.Data["content"].(string))
		}
	}
	return b.String()
}

func TestStreamDialogueEventOrder(t *testing.T) {
	reply := strings.Repeat("abcdefghij", 12)
	s := newTestStreamer(t, intent.NewClassifier(intent.DefaultRules()), llm.NewScripted(llm.Reply(reply)))
	rec := &Recorder{}

	out, err := s.Stream(context.Background(), workflows.Input{Message: "hello", ThreadID: "t1"}, rec)
	require.NoError(t, err)
	assert.Equal(t, reply, out.Response)

	assert.Equal(t, []string{
		TypeMetadata, TypeMetadata, TypeMetadata,
		TypeContent, TypeContent, TypeContent,
		TypeMetadata, TypeEnd,
	}, rec.Types())

	evs := rec.Events()
	assert.Equal(t, "processing", evs[0].Data["status"])
	assert.Equal(t, "t1", evs[0].Data["thread_id"])
	assert.Equal(t, "analyzing_intent", evs[1].Data["status"])
	assert.Equal(t, intent.DecisionSimpleChat, evs[1].Data["routing_decision"])
	assert.Equal(t, 0.8, evs[1].Data["confidence_score"])
	assert.Equal(t, "processing_simple_chat", evs[2].Data["status"])

	assert.Equal(t, reply[:50], evs[3].Data["content"])
	assert.Equal(t, true, evs[3].Data["is_partial"])
	assert.Equal(t, false, evs[5].Data["is_partial"])
	assert.Equal(t, reply, contentOf(evs))

	done := evs[6].Data
	assert.Equal(t, "completed", done["status"])
	assert.Equal(t, reply, done["full_response"])
	assert.Equal(t, workflows.WorkflowSimpleChat, done["workflow_used"])
	assert.Nil(t, done["analysis_type"])
	assert.Equal(t, false, done["error"])

	assert.Equal(t, "stream_completed", evs[7].Data["status"])
	for _, ev := range evs {
		assert.Equal(t, "t1", ev.StreamID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestStreamReportContentIsSentOnce(t *testing.T) {
	s := newTestStreamer(t, intent.NewClassifier(intent.DefaultRules()), llm.NewScripted(llm.Reply("")))
	rec := &Recorder{}

	out, err := s.Stream(context.Background(), workflows.Input{
		Message:  "Generate a comprehensive market analysis report on solar energy",
		ThreadID: "t2",
	}, rec)
	require.NoError(t, err)
	require.Equal(t, workflows.WorkflowReportResearcher, out.WorkflowUsed)

	evs := rec.Events()
	assert.Equal(t, "processing_research", evs[2].Data["status"])
	assert.Equal(t, "market", evs[2].Data["analysis_type"])

	assert.Equal(t, out.Response, contentOf(evs))
	for _, ev := range evs {
		if ev.Type == TypeContent {
			assert.Equal(t, workflows.NodeReportResearcher, ev.Data["node"])
			assert.LessOrEqual(t, len([]rune(ev.Data["content"].(string))), 100)
		}
	}

	last := evs[len(evs)-1]
	assert.Equal(t, TypeEnd, last.Type)
	completed := evs[len(evs)-2]
	assert.Equal(t, "completed", completed.Data["status"])
	assert.Equal(t, "market", completed.Data["analysis_type"])
}

func TestStreamErrorRoute(t *testing.T) {
	s := newTestStreamer(t, nil, llm.NewScripted(llm.Reply("unused")))
	rec := &Recorder{}

	out, err := s.Stream(context.Background(), workflows.Input{Message: "hello", ThreadID: "t3"}, rec)
	require.NoError(t, err)
	assert.True(t, out.Error)

	types := rec.Types()
	assert.Contains(t, types, TypeError)
	assert.Equal(t, TypeEnd, types[len(types)-1])

	ends := 0
	for _, ev := range rec.Events() {
		if ev.Type == TypeError {
			assert.Equal(t, true, ev.Data["error"])
			assert.Equal(t, workflows.NodeErrorHandler, ev.Data["node"])
			assert.Contains(t, ev.Data["error_message"], "Error in intent analysis")
		}
		if ev.Type == TypeEnd {
			ends++
		}
	}
	assert.Equal(t, 1, ends)
}

type flakySink struct {
	Recorder
	failed bool
}

func (f *flakySink) Emit(ctx context.Context, ev Event) error {
	if !f.failed && ev.Type == TypeContent {
		f.failed = true
		return errors.New("client went away")
	}
	return f.Recorder.Emit(ctx, ev)
}

func TestStreamEndsAfterSinkFailure(t *testing.T) {
	s := newTestStreamer(t, intent.NewClassifier(intent.DefaultRules()), llm.NewScripted(llm.Reply("a long enough reply to need a couple of chunks here, really")))
	sink := &flakySink{}

	out, err := s.Stream(context.Background(), workflows.Input{Message: "hello"}, sink)
	assert.EqualError(t, err, "client went away")
	assert.NotEmpty(t, out.Response)
	assert.Equal(t, []string{TypeMetadata, TypeMetadata, TypeMetadata, TypeEnd}, sink.Types())
}

func TestStreamEndsAfterCancellation(t *testing.T) {
	s := newTestStreamer(t, intent.NewClassifier(intent.DefaultRules()), llm.NewScripted(llm.Reply("hi")))
	ctx, cancel := context.WithCancel(context.Background())
	rec := &Recorder{}
	sink := SinkFunc(func(c context.Context, ev Event) error {
		if ev.Type == TypeMetadata && ev.Data["status"] == "analyzing_intent" {
			cancel()
		}
		return rec.Emit(c, ev)
	})

	_, err := s.Stream(ctx, workflows.Input{Message: "hello"}, sink)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{TypeMetadata, TypeMetadata, TypeEnd}, rec.Types())
}

func TestStreamToManagerAndSSE(t *testing.T) {
	mgr := NewMemoryManager(64, zaptest.NewLogger(t))
	w := httptest.NewRecorder()
	sse, err := NewSSEWriter(w)
	require.NoError(t, err)

	s := newTestStreamer(t, intent.NewClassifier(intent.DefaultRules()), llm.NewScripted(llm.Reply("hi")))
	_, err = s.Stream(context.Background(), workflows.Input{Message: "hello", ThreadID: "t4"}, MultiSink{sse, NewManagerSink(mgr, "task-1")})
	require.NoError(t, err)

	replayed := mgr.ReplaySince("task-1", 0)
	require.NotEmpty(t, replayed)
	assert.Equal(t, uint64(1), replayed[0].Seq)
	assert.Equal(t, TypeEnd, replayed[len(replayed)-1].Type)
	assert.Equal(t, "task-1", replayed[0].StreamID)

	body := w.Body.String()
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, len(replayed), strings.Count(body, "data: "))
	assert.Contains(t, body, `"status":"stream_completed"`)
}

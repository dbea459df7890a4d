package streaming

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/chatflow/internal/workflows"
)

// Node labels carried in event data.
const (
	nodeIntentAnalysis = "intent_analysis"
)

// Options controls chunking and pacing. Zero delays disable pacing.
type Options struct {
	ReportChunkSize  int
	ReportChunkDelay time.Duration
	ChunkSize        int
	ChunkDelay       time.Duration
}

// DefaultOptions paces report content in 100-character chunks every 30ms and
// other responses in 50-character chunks every 50ms.
func DefaultOptions() Options {
	return Options{
		ReportChunkSize:  100,
		ReportChunkDelay: 30 * time.Millisecond,
		ChunkSize:        50,
		ChunkDelay:       50 * time.Millisecond,
	}
}

// Runner executes the supervisor with a per-node callback.
type Runner interface {
	RunObserved(ctx context.Context, in workflows.Input, observe workflows.NodeObserver) workflows.Output
}

// Streamer turns one supervisor run into an ordered event sequence.
type Streamer struct {
	runner Runner
	opts   Options
	logger *zap.Logger
}

func NewStreamer(runner Runner, opts Options, logger *zap.Logger) *Streamer {
	def := DefaultOptions()
	if opts.ReportChunkSize <= 0 {
		opts.ReportChunkSize = def.ReportChunkSize
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Streamer{runner: runner, opts: opts, logger: logger}
}

// Stream runs the supervisor for in and writes its progress to sink. The last
// event is always end, also after a sink failure or cancellation. The returned
// error is the first sink or context error; the Output is complete regardless.
func (s *Streamer) Stream(ctx context.Context, in workflows.Input, sink Sink) (out workflows.Output, err error) {
	em := &emitter{ctx: ctx, sink: sink, streamID: in.ThreadID}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Stream panicked", zap.String("thread_id", in.ThreadID), zap.Any("panic", r))
			msg := fmt.Sprintf("Streaming error: %v", r)
			em.emit(TypeError, map[string]interface{}{"error": true, "error_message": msg})
			if em.err == nil {
				em.err = fmt.Errorf("%s", msg)
			}
		}
		em.end()
		err = em.err
	}()

	em.emit(TypeMetadata, map[string]interface{}{
		"thread_id": in.ThreadID,
		"status":    "processing",
	})

	reportRouted := false
	out = s.runner.RunObserved(ctx, in, func(_ context.Context, ev workflows.NodeEvent) {
		st := ev.State
		switch ev.Node {
		case workflows.NodeAnalyzeIntent:
			em.emit(TypeMetadata, map[string]interface{}{
				"node":             nodeIntentAnalysis,
				"status":           "analyzing_intent",
				"routing_decision": st.RoutingDecision,
				"confidence_score": st.Output.ConfidenceScore,
			})
		case workflows.NodeSimpleChat:
			em.emit(TypeMetadata, map[string]interface{}{
				"node":          workflows.NodeSimpleChat,
				"status":        "processing_simple_chat",
				"workflow_used": workflows.WorkflowSimpleChat,
			})
		case workflows.NodeReportResearcher:
			reportRouted = true
			em.emit(TypeMetadata, map[string]interface{}{
				"node":          workflows.NodeReportResearcher,
				"status":        "processing_research",
				"workflow_used": workflows.WorkflowReportResearcher,
				"analysis_type": st.Output.AnalysisType,
			})
			em.chunks(st.Output.Response, s.opts.ReportChunkSize, s.opts.ReportChunkDelay, workflows.NodeReportResearcher)
		case workflows.NodeErrorHandler:
			msg := st.Output.ErrorMessage
			if msg == "" {
				msg = "Unknown error occurred"
			}
			em.emit(TypeError, map[string]interface{}{
				"error":         true,
				"error_message": msg,
				"node":          workflows.NodeErrorHandler,
			})
		case workflows.NodeFormatResponse:
			if !reportRouted {
				em.chunks(st.Output.Response, s.opts.ChunkSize, s.opts.ChunkDelay, "")
			}
			em.emit(TypeMetadata, map[string]interface{}{
				"status":           "completed",
				"full_response":    st.Output.Response,
				"workflow_used":    st.Output.WorkflowUsed,
				"confidence_score": st.Output.ConfidenceScore,
				"analysis_type":    optional(st.Output.AnalysisType),
				"error":            st.Output.Error,
				"error_message":    optional(st.Output.ErrorMessage),
			})
		}
	})
	if em.err != nil {
		s.logger.Warn("Stream delivery stopped early", zap.String("thread_id", in.ThreadID), zap.Error(em.err))
	}
	return out, nil
}

// emitter stops writing after the first failure, except for the final end.
type emitter struct {
	ctx      context.Context
	sink     Sink
	streamID string
	err      error
}

func (e *emitter) emit(typ string, data map[string]interface{}) {
	if e.err != nil {
		return
	}
	if err := e.ctx.Err(); err != nil {
		e.err = err
		return
	}
	ev := Event{StreamID: e.streamID, Type: typ, Data: data, Timestamp: time.Now()}
	if err := e.sink.Emit(e.ctx, ev); err != nil {
		e.err = err
		return
	}
	countEvent(ev)
}

// chunks emits text as content events of at most size characters, pausing
// delay between them.
func (e *emitter) chunks(text string, size int, delay time.Duration, node string) {
	runes := []rune(text)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		data := map[string]interface{}{
			"content":    string(runes[i:end]),
			"is_partial": end < len(runes),
		}
		if node != "" {
			data["node"] = node
		}
		e.emit(TypeContent, data)
		if e.err != nil {
			return
		}
		if end < len(runes) {
			e.pause(delay)
		}
	}
}

func (e *emitter) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-e.ctx.Done():
		e.err = e.ctx.Err()
	}
}

func (e *emitter) end() {
	ev := Event{
		StreamID:  e.streamID,
		Type:      TypeEnd,
		Data:      map[string]interface{}{"status": "stream_completed"},
		Timestamp: time.Now(),
	}
	if err := e.sink.Emit(context.WithoutCancel(e.ctx), ev); err == nil {
		countEvent(ev)
	}
}

func optional(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

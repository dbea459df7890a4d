package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Kocoro-lab/chatflow/internal/metrics"
)

// Event types on the delivery channel.
const (
	TypeMetadata = "metadata"
	TypeContent  = "content"
	TypeError    = "error"
	TypeEnd      = "end"
)

// Event is one typed, timestamped item on a stream. Seq is assigned by the
// Manager; events written straight to a client carry Seq 0.
type Event struct {
	StreamID  string                 `json:"stream_id,omitempty"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq,omitempty"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Sink accepts events in order. The engine writes, never reads.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// SSEWriter writes events as Server-Sent Events and flushes after each one.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter sets the event-stream headers. It fails when w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

func (s *SSEWriter) Emit(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Seq > 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", ev.Seq); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", ev.Marshal()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Comment writes an SSE comment line such as a heartbeat.
func (s *SSEWriter) Comment(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}

// ManagerSink publishes every event to a Manager under a fixed stream id.
type ManagerSink struct {
	mgr      *Manager
	streamID string
}

func NewManagerSink(mgr *Manager, streamID string) *ManagerSink {
	return &ManagerSink{mgr: mgr, streamID: streamID}
}

func (s *ManagerSink) Emit(_ context.Context, ev Event) error {
	ev.StreamID = s.streamID
	s.mgr.Publish(s.streamID, ev)
	return nil
}

// MultiSink fans an event out to every sink; the first error wins but all
// sinks still receive the event.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, ev Event) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	// FailAfter makes Emit fail once this many events are recorded; 0 disables.
	FailAfter int
}

func (r *Recorder) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailAfter > 0 && len(r.events) >= r.FailAfter {
		return fmt.Errorf("recorder closed after %d events", r.FailAfter)
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func countEvent(ev Event) {
	metrics.StreamEvents.WithLabelValues(ev.Type).Inc()
}

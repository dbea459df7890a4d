package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/chatflow/internal/streaming"
)

// lastEventID reads the resume point from the Last-Event-ID header or the
// last_event_id query parameter.
func lastEventID(r *http.Request) uint64 {
	for _, raw := range []string{r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id")} {
		if raw == "" {
			continue
		}
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// typeFilter parses ?types=a,b; an empty filter accepts everything.
func typeFilter(r *http.Request) map[string]struct{} {
	filter := map[string]struct{}{}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter[t] = struct{}{}
			}
		}
	}
	return filter
}

func accepts(filter map[string]struct{}, ev streaming.Event) bool {
	if len(filter) == 0 || ev.Type == streaming.TypeEnd {
		return true
	}
	_, ok := filter[ev.Type]
	return ok
}

// follow subscribes to streamID from since and returns the event channel and
// a channel carrying the subscription's terminal error. Both stop when ctx ends.
func (s *Server) follow(ctx context.Context, streamID string, since uint64) (<-chan streaming.Event, <-chan error) {
	ch := make(chan streaming.Event, 256)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.streams.Subscribe(ctx, streamID, since, ch)
	}()
	return ch, errCh
}

// GET /api/stream/{stream_id}/events
//
// Replays retained events after Last-Event-ID, then follows live events until
// an end event or client disconnect.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("stream_id")
	filter := typeFilter(r)
	since := lastEventID(r)

	sse, err := streaming.NewSSEWriter(w)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.Comment(fmt.Sprintf("connected to stream %s", streamID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events, errCh := s.follow(ctx, streamID, since)

	hb := time.NewTicker(s.opts.PingInterval)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("SSE client disconnected", zap.String("stream_id", streamID))
			return
		case err := <-errCh:
			if err != nil {
				s.logger.Warn("Stream subscription failed", zap.String("stream_id", streamID), zap.Error(err))
			}
			return
		case ev := <-events:
			if !accepts(filter, ev) {
				continue
			}
			if err := sse.Emit(ctx, ev); err != nil {
				return
			}
			if ev.Type == streaming.TypeEnd {
				return
			}
		case <-hb.C:
			// Heartbeat to keep connections alive through proxies
			sse.Comment("ping")
		}
	}
}

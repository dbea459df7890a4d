package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/chatflow/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Dev-friendly, secure via proxy in prod
}

const (
	wsPongWait   = 60 * time.Second
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 20 * time.Second
)

// GET /api/stream/{stream_id}/ws
//
// Same replay-and-follow semantics as the SSE endpoint; each event is one
// JSON text frame. The connection closes after the end event.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("stream_id")
	filter := typeFilter(r)
	since := lastEventID(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	// Reader pump: discards client messages and notices disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events, errCh := s.follow(ctx, streamID, since)
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
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
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Type == streaming.TypeEnd {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
					time.Now().Add(wsWriteWait))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

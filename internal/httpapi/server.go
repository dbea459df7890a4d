// Package httpapi exposes the chat, thread and async task services over
// REST, Server-Sent Events and WebSocket.
package httpapi

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/chatflow/internal/auth"
	"github.com/Kocoro-lab/chatflow/internal/chat"
	"github.com/Kocoro-lab/chatflow/internal/health"
	"github.com/Kocoro-lab/chatflow/internal/metrics"
	"github.com/Kocoro-lab/chatflow/internal/streaming"
	"github.com/Kocoro-lab/chatflow/internal/tasks"
)

// Options configures a Server. Nil Auth serves every request as the dev
// user; nil RateLimiter disables rate limiting.
type Options struct {
	Auth         *auth.Middleware
	RateLimiter  *RateLimiter
	Health       *health.Manager
	PingInterval time.Duration
}

// Server routes HTTP requests to the services.
type Server struct {
	chat    *chat.Service
	tasks   *tasks.Service
	streams *streaming.Manager
	opts    Options
	logger  *zap.Logger

	root *http.ServeMux
	api  *http.ServeMux
}

func NewServer(chatSvc *chat.Service, taskSvc *tasks.Service, streams *streaming.Manager, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	if opts.Auth == nil {
		opts.Auth = auth.NewMiddleware(nil, true, logger)
	}
	if opts.Health == nil {
		opts.Health = health.NewManager(0, logger)
	}
	s := &Server{
		chat:    chatSvc,
		tasks:   taskSvc,
		streams: streams,
		opts:    opts,
		logger:  logger,
		root:    http.NewServeMux(),
		api:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.api.HandleFunc("POST /api/threads", s.handleCreateThread)
	s.api.HandleFunc("GET /api/threads", s.handleListThreads)
	s.api.HandleFunc("GET /api/threads/{thread_id}", s.handleGetThread)
	s.api.HandleFunc("DELETE /api/threads/{thread_id}", s.handleDeleteThread)
	s.api.HandleFunc("GET /api/threads/{thread_id}/messages", s.handleListMessages)

	s.api.HandleFunc("POST /api/chat", s.handleChat)
	s.api.HandleFunc("POST /api/chat/stream", s.handleChatStream)

	s.api.HandleFunc("POST /api/async/report", s.handleCreateReport)
	s.api.HandleFunc("POST /api/async/choice", s.handleChoice)
	s.api.HandleFunc("GET /api/async/task/{task_id}", s.handleGetTask)
	s.api.HandleFunc("DELETE /api/async/task/{task_id}", s.handleCancelTask)
	s.api.HandleFunc("POST /api/async/task/{task_id}/stream", s.handleStreamTask)
	s.api.HandleFunc("GET /api/async/thread/{thread_id}/tasks", s.handleListTasks)

	s.api.HandleFunc("GET /api/stream/{stream_id}/events", s.handleStreamEvents)
	s.api.HandleFunc("GET /api/stream/{stream_id}/ws", s.handleStreamWS)

	var api http.Handler = s.api
	if s.opts.RateLimiter != nil {
		api = s.opts.RateLimiter.Middleware(api)
	}
	api = s.opts.Auth.HTTPMiddleware(api)
	s.root.Handle("/api/", api)

	health.NewHTTPHandler(s.opts.Health, s.logger).RegisterRoutes(s.root)
	s.root.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns the root handler with request logging and metrics.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		s.root.ServeHTTP(rec, r)

		route := s.route(r)
		elapsed := time.Since(start)
		metrics.RecordHTTP(route, r.Method, strconv.Itoa(rec.status), elapsed.Seconds())
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("duration", elapsed),
		}
		if rec.status >= http.StatusInternalServerError {
			s.logger.Warn("HTTP request", fields...)
		} else {
			s.logger.Debug("HTTP request", fields...)
		}
	})
}

// route is the matched pattern, keeping metric labels bounded.
func (s *Server) route(r *http.Request) string {
	mux := s.root
	if strings.HasPrefix(r.URL.Path, "/api/") {
		mux = s.api
	}
	if _, pattern := mux.Handler(r); pattern != "" {
		return pattern
	}
	return "unmatched"
}

// statusRecorder captures the response code while keeping the optional
// interfaces SSE and WebSocket handlers rely on.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/chatflow/internal/auth"
	"github.com/Kocoro-lab/chatflow/internal/chat"
	"github.com/Kocoro-lab/chatflow/internal/db"
	"github.com/Kocoro-lab/chatflow/internal/formatting"
	"github.com/Kocoro-lab/chatflow/internal/intent"
	"github.com/Kocoro-lab/chatflow/internal/llm"
	"github.com/Kocoro-lab/chatflow/internal/streaming"
	"github.com/Kocoro-lab/chatflow/internal/tasks"
	"github.com/Kocoro-lab/chatflow/internal/tools"
	"github.com/Kocoro-lab/chatflow/internal/workflows"
)

const (
	greeting    = "Hi! How can I help you today?"
	tidalReport = "# Tides and Energy\n\nTidal power converts the rise and fall of sea levels into electricity with predictable output."
)

type testEnv struct {
	ts    *httptest.Server
	store *db.MemoryStore
	mgr   *streaming.Manager
	tasks *tasks.Service
}

func newTestEnv(t *testing.T, reply string, opts Options) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	gen := llm.NewScripted(llm.Reply(reply))
	dialogue := workflows.NewDialogueWorkflow(gen, tools.DialogueTools(nil), workflows.DefaultDialogueConfig(), logger)
	report := workflows.NewReportWorkflow(gen, workflows.DefaultReportConfig(), logger)
	sup := workflows.NewSupervisor(intent.NewClassifier(intent.DefaultRules()), dialogue, report, nil, logger)
	streamer := streaming.NewStreamer(sup, streaming.Options{ChunkSize: 10, ReportChunkSize: 20}, logger)

	store := db.NewMemoryStore()
	mgr := streaming.NewMemoryManager(256, logger)
	taskSvc := tasks.NewService(store, report, streamer, mgr, tasks.DefaultConfig(), logger)
	pool := tasks.NewWorkerPool(taskSvc, tasks.PoolConfig{Workers: 1, QueueSize: 4}, logger)
	pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	taskSvc.SetDispatcher(pool)
	chatSvc := chat.NewService(store, sup, streamer, 10, logger)

	srv := NewServer(chatSvc, taskSvc, mgr, opts, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, store: store, mgr: mgr, tasks: taskSvc}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) newThread(t *testing.T) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/threads", map[string]string{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[db.Thread](t, resp).ThreadID
}

// readSSE collects every data event until the body ends.
func readSSE(t *testing.T, body io.Reader) []streaming.Event {
	t.Helper()
	var events []streaming.Event
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev streaming.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func contentOf(events []streaming.Event) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Type == streaming.TypeContent {
			s, _ := ev.Data["content"].(string)
			sb.WriteString(s)
		}
	}
	return sb.String()
}

func TestThreadCRUD(t *testing.T) {
	env := newTestEnv(t, greeting, Options{})

	resp := env.do(t, http.MethodPost, "/api/threads", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	th := decode[db.Thread](t, resp)
	assert.Equal(t, formatting.DefaultThreadTitle, th.Title)
	assert.NotEmpty(t, th.ThreadID)

	resp = env.do(t, http.MethodPost, "/api/threads", map[string]string{"title": "Tides"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/threads", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]db.Thread](t, resp), 2)

	resp = env.do(t, http.MethodGet, "/api/threads?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]db.Thread](t, resp), 1)

	resp = env.do(t, http.MethodGet, "/api/threads/"+th.ThreadID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	details := decode[ThreadDetails](t, resp)
	assert.Equal(t, th.ThreadID, details.ThreadID)
	assert.Empty(t, details.Messages)

	resp = env.do(t, http.MethodDelete, "/api/threads/"+th.ThreadID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Thread deleted successfully", decode[map[string]string](t, resp)["message"])

	resp = env.do(t, http.MethodGet, "/api/threads/"+th.ThreadID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatSync(t *testing.T) {
	env := newTestEnv(t, greeting, Options{})
	id := env.newThread(t)

	resp := env.do(t, http.MethodPost, "/api/chat", ChatRequest{ThreadID: id, Content: "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reply := decode[chat.Reply](t, resp)
	assert.Equal(t, "hello", reply.UserMessage.Content)
	assert.Equal(t, greeting, reply.AssistantMessage.Content)
	assert.Equal(t, workflows.WorkflowSimpleChat, reply.WorkflowUsed)

	resp = env.do(t, http.MethodGet, "/api/threads/"+id+"/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decode[[]db.Message](t, resp)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsUser)
	assert.Equal(t, "sync", msgs[1].Metadata["response_mode"])
}

func TestChatStream(t *testing.T) {
	env := newTestEnv(t, greeting, Options{})
	id := env.newThread(t)

	for _, tc := range []struct {
		name string
		path string
		body ChatRequest
	}{
		{"stream endpoint", "/api/chat/stream", ChatRequest{ThreadID: id, Content: "hello"}},
		{"response mode", "/api/chat", ChatRequest{ThreadID: id, Content: "hello again", ResponseMode: responseStream}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, tc.path, tc.body)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

			events := readSSE(t, resp.Body)
			require.NotEmpty(t, events)
			assert.Equal(t, streaming.TypeMetadata, events[0].Type)
			assert.Equal(t, streaming.TypeEnd, events[len(events)-1].Type)
			assert.Equal(t, greeting, contentOf(events))
		})
	}

	msgs, err := env.store.ListMessages(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "stream", msgs[3].Metadata["response_mode"])

	// The same events were published under the thread id.
	replayed := env.mgr.ReplaySince(id, 0)
	require.NotEmpty(t, replayed)
	assert.Equal(t, id, replayed[0].StreamID)
}

func TestChatAsyncMode(t *testing.T) {
	env := newTestEnv(t, tidalReport, Options{})
	id := env.newThread(t)

	resp := env.do(t, http.MethodPost, "/api/chat", ChatRequest{
		ThreadID:     id,
		Content:      "Generate a report about tidal energy",
		ResponseMode: responseAsync,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[tasks.CreateResponse](t, resp)
	assert.Equal(t, db.TaskAwaitingChoice, created.Status)
	assert.Equal(t, tasks.Choices, created.Choices)
}

func TestRequestErrors(t *testing.T) {
	env := newTestEnv(t, greeting, Options{})
	id := env.newThread(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		raw    string
		want   int
	}{
		{name: "unknown thread", method: http.MethodGet, path: "/api/threads/missing", want: http.StatusNotFound},
		{name: "messages of unknown thread", method: http.MethodGet, path: "/api/threads/missing/messages", want: http.StatusNotFound},
		{name: "bad limit", method: http.MethodGet, path: "/api/threads?limit=-1", want: http.StatusBadRequest},
		{name: "malformed chat body", method: http.MethodPost, path: "/api/chat", raw: "{", want: http.StatusBadRequest},
		{name: "empty chat content", method: http.MethodPost, path: "/api/chat", body: ChatRequest{ThreadID: id, Content: "  "}, want: http.StatusBadRequest},
		{name: "chat on unknown thread", method: http.MethodPost, path: "/api/chat", body: ChatRequest{ThreadID: "missing", Content: "hi"}, want: http.StatusNotFound},
		{name: "unknown response mode", method: http.MethodPost, path: "/api/chat", body: ChatRequest{ThreadID: id, Content: "hi", ResponseMode: "later"}, want: http.StatusBadRequest},
		{name: "stream on unknown thread", method: http.MethodPost, path: "/api/chat/stream", body: ChatRequest{ThreadID: "missing", Content: "hi"}, want: http.StatusNotFound},
		{name: "empty report request", method: http.MethodPost, path: "/api/async/report", body: tasks.CreateRequest{ThreadID: id}, want: http.StatusBadRequest},
		{name: "choice without task", method: http.MethodPost, path: "/api/async/choice", body: tasks.ChoiceRequest{ResponseMode: "async"}, want: http.StatusBadRequest},
		{name: "unknown task", method: http.MethodGet, path: "/api/async/task/missing", want: http.StatusNotFound},
		{name: "cancel unknown task", method: http.MethodDelete, path: "/api/async/task/missing", want: http.StatusNotFound},
		{name: "stream unknown task", method: http.MethodPost, path: "/api/async/task/missing/stream", want: http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var resp *http.Response
			if tc.raw != "" {
				r, err := http.Post(env.ts.URL+tc.path, "application/json", strings.NewReader(tc.raw))
				require.NoError(t, err)
				defer r.Body.Close()
				resp = r
			} else {
				resp = env.do(t, tc.method, tc.path, tc.body)
			}
			assert.Equal(t, tc.want, resp.StatusCode)
			assert.NotEmpty(t, decode[map[string]string](t, resp)["error"])
		})
	}
}

func TestClientErrorMessages(t *testing.T) {
	env := newTestEnv(t, tidalReport, Options{})

	resp := env.do(t, http.MethodGet, "/api/async/task/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Task not found", decode[map[string]string](t, resp)["error"])

	resp = env.do(t, http.MethodGet, "/api/threads/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Thread not found", decode[map[string]string](t, resp)["error"])
}

func TestAsyncReportFlow(t *testing.T) {
	env := newTestEnv(t, tidalReport, Options{})
	id := env.newThread(t)
	const request = "Generate a report about tidal energy"

	create := func() string {
		resp := env.do(t, http.MethodPost, "/api/async/report", tasks.CreateRequest{ThreadID: id, Content: request})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		created := decode[tasks.CreateResponse](t, resp)
		assert.Equal(t, db.TaskAwaitingChoice, created.Status)
		return created.TaskID
	}

	t.Run("async choice completes in the background", func(t *testing.T) {
		taskID := create()

		resp := env.do(t, http.MethodPost, "/api/async/choice", tasks.ChoiceRequest{TaskID: taskID, ResponseMode: "sometime"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp = env.do(t, http.MethodPost, "/api/async/choice", tasks.ChoiceRequest{TaskID: taskID, ResponseMode: tasks.ModeAsync})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		choice := decode[tasks.ChoiceResponse](t, resp)
		assert.Equal(t, tasks.ModeAsync, choice.ResponseMode)
		assert.NotNil(t, choice.EstimatedCompletion)

		// A second choice is rejected.
		resp = env.do(t, http.MethodPost, "/api/async/choice", tasks.ChoiceRequest{TaskID: taskID, ResponseMode: tasks.ModeAsync})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		require.Eventually(t, func() bool {
			task, err := env.tasks.Get(context.Background(), taskID)
			return err == nil && task.Status == db.TaskCompleted
		}, 5*time.Second, 20*time.Millisecond)

		resp = env.do(t, http.MethodGet, "/api/async/task/"+taskID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		task := decode[db.Task](t, resp)
		assert.Equal(t, db.TaskCompleted, task.Status)
		require.NotNil(t, task.Result)

		resp = env.do(t, http.MethodDelete, "/api/async/task/"+taskID, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("stream choice streams the report", func(t *testing.T) {
		taskID := create()

		resp := env.do(t, http.MethodPost, "/api/async/task/"+taskID+"/stream", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp = env.do(t, http.MethodPost, "/api/async/choice", tasks.ChoiceRequest{TaskID: taskID, ResponseMode: tasks.ModeStream})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		choice := decode[tasks.ChoiceResponse](t, resp)
		assert.Equal(t, db.TaskStreaming, choice.Status)
		assert.Equal(t, "/api/async/task/"+taskID+"/stream", choice.StreamEndpoint)

		resp = env.do(t, http.MethodPost, choice.StreamEndpoint, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		events := readSSE(t, resp.Body)
		require.NotEmpty(t, events)
		assert.Equal(t, streaming.TypeEnd, events[len(events)-1].Type)
		assert.NotEmpty(t, contentOf(events))

		replayed := env.mgr.ReplaySince(taskID, 0)
		require.NotEmpty(t, replayed)
		assert.Equal(t, streaming.TypeEnd, replayed[len(replayed)-1].Type)
	})

	t.Run("cancel while awaiting choice", func(t *testing.T) {
		taskID := create()
		resp := env.do(t, http.MethodDelete, "/api/async/task/"+taskID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, decode[tasks.CancelResponse](t, resp).Success)

		task, err := env.tasks.Get(context.Background(), taskID)
		require.NoError(t, err)
		assert.Equal(t, db.TaskCancelled, task.Status)
	})

	resp := env.do(t, http.MethodGet, "/api/async/thread/"+id+"/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]db.Task](t, resp), 3)
}

func publishScript(mgr *streaming.Manager, id string) {
	mgr.Publish(id, streaming.Event{Type: streaming.TypeMetadata, Data: map[string]interface{}{"status": "processing"}})
	mgr.Publish(id, streaming.Event{Type: streaming.TypeContent, Data: map[string]interface{}{"content": "Hello "}})
	mgr.Publish(id, streaming.Event{Type: streaming.TypeContent, Data: map[string]interface{}{"content": "world"}})
	mgr.Publish(id, streaming.Event{Type: streaming.TypeEnd, Data: map[string]interface{}{"status": "stream_completed"}})
}

func TestStreamEventsReplay(t *testing.T) {
	env := newTestEnv(t, greeting, Options{})
	publishScript(env.mgr, "s1")

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/api/stream/s1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readSSE(t, resp.Body)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(2), events[0].Seq)
	assert.Equal(t, "Hello world", contentOf(events))
	assert.Equal(t, streaming.TypeEnd, events[2].Type)
}

func TestStreamEventsTypeFilter(t *testing.T) {
	env := newTestEnv(t, greeting, Options{})
	publishScript(env.mgr, "s2")

	resp := env.do(t, http.MethodGet, "/api/stream/s2/events?types=content", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readSSE(t, resp.Body)
	require.Len(t, events, 3)
	assert.Equal(t, streaming.TypeContent, events[0].Type)
	assert.Equal(t, streaming.TypeEnd, events[2].Type)
}

func TestStreamEventsFollowsLiveEvents(t *testing.T) {
	env := newTestEnv(t, greeting, Options{PingInterval: 10 * time.Millisecond})

	resp, err := http.Get(env.ts.URL + "/api/stream/live/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	publishScript(env.mgr, "live")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), ": connected to stream live")
	events := readSSE(t, bytes.NewReader(body))
	require.NotEmpty(t, events)
	assert.Equal(t, streaming.TypeEnd, events[len(events)-1].Type)
	assert.Equal(t, "Hello world", contentOf(events))
}

func TestStreamWebSocket(t *testing.T) {
	env := newTestEnv(t, greeting, Options{})
	publishScript(env.mgr, "ws1")

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/stream/ws1/ws?last_event_id=1"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	var got []streaming.Event
	for {
		var ev streaming.Event
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, uint64(2), got[0].Seq)
	assert.Equal(t, streaming.TypeEnd, got[2].Type)
}

func TestAuthGuardsAPIOnly(t *testing.T) {
	jwtMgr := auth.NewJWTManager("test-secret", "chatflow", time.Hour)
	env := newTestEnv(t, greeting, Options{Auth: auth.NewMiddleware(jwtMgr, false, zaptest.NewLogger(t))})

	resp := env.do(t, http.MethodGet, "/api/threads", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	token, err := jwtMgr.GenerateToken("alice", "alice")
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/threads", strings.NewReader(`{"title":"mine"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	require.Equal(t, http.StatusCreated, authed.StatusCode)
	assert.Equal(t, "alice", decode[db.Thread](t, authed).UserID)
}

package api

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/VibeCode-Max/bright-flow-mind/board"
	"github.com/VibeCode-Max/bright-flow-mind/celebration"
	"github.com/VibeCode-Max/bright-flow-mind/chat"
	"github.com/VibeCode-Max/bright-flow-mind/domain"
)

type memStore struct {
	mu    sync.Mutex
	tasks []domain.Task
	next  int
}

func (s *memStore) ListTasks(context.Context, string) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Task(nil), s.tasks...), nil
}

func (s *memStore) InsertTask(_ context.Context, _ string, n domain.NewTask) (domain.Task, error) {
	if err := n.Validate(); err != nil {
		return domain.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	pos := 0
	for _, t := range s.tasks {
		if t.Column == n.Column && t.Position >= pos {
			pos = t.Position + 1
		}
	}
	task := domain.Task{
		ID:       fmt.Sprintf("new-%d", s.next),
		Title:    n.Title,
		Column:   n.Column,
		Status:   n.Status,
		Priority: n.Priority,
		Position: pos,
	}
	s.tasks = append(s.tasks, task)
	return task, nil
}

func (s *memStore) UpdateTask(_ context.Context, _ string, id string, patches ...domain.Patch) error {
	c, err := domain.Merge(patches...)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tasks {
		if s.tasks[i].ID != id {
			continue
		}
		t := &s.tasks[i]
		if c.Title != nil {
			t.Title = *c.Title
		}
		if c.Priority != nil {
			t.Priority = *c.Priority
		}
		if c.Column != nil {
			t.Column = *c.Column
		}
		if c.Status != nil {
			t.Status = *c.Status
		}
		if c.Position != nil {
			t.Position = *c.Position
		}
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
}

func (s *memStore) MoveTask(ctx context.Context, board, id string, col domain.ColumnID, position int) error {
	return s.UpdateTask(ctx, board, id, domain.Move{Column: col, Position: position})
}

func (s *memStore) DeleteTask(_ context.Context, _ string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tasks {
		if t.ID == id {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
}

func (s *memStore) find(id string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Task{}, false
}

type inlineRunner struct{}

func (inlineRunner) Dispatch(_, _ string, fn func(ctx context.Context) error) {
	_ = fn(context.Background())
}

type testEnv struct {
	e     *echo.Echo
	store *memStore
	chats *chat.Registry
	hub   *celebration.Hub
	hook  *test.Hook
	token string

	mu         sync.Mutex
	celebrated []celebration.Event
}

func seedTasks() []domain.Task {
	return []domain.Task{
		{ID: "a", Title: "Write docs", Column: domain.ColumnTodo, Status: domain.StatusNotStarted, Priority: domain.PriorityHigh, Position: 0},
		{ID: "b", Title: "Fix login", Column: domain.ColumnTodo, Status: domain.StatusNotStarted, Priority: domain.PriorityLow, Position: 1},
		{ID: "c", Title: "Plan sprint", Column: domain.ColumnTodo, Status: domain.StatusNotStarted, Priority: domain.PriorityMedium, Position: 2},
		{ID: "d", Title: "Ship v1", Column: domain.ColumnDone, Status: domain.StatusComplete, Priority: domain.PriorityHigh, Position: 0},
	}
}

func newTestEnv(t *testing.T, assistant http.Handler, opts ...func(*Deps)) *testEnv {
	t.Helper()
	logger, hook := test.NewNullLogger()

	assistantURL := "http://127.0.0.1:1"
	if assistant != nil {
		srv := httptest.NewServer(assistant)
		t.Cleanup(srv.Close)
		assistantURL = srv.URL
	}

	env := &testEnv{
		store: &memStore{tasks: seedTasks()},
		hub:   celebration.NewHub(),
		hook:  hook,
		token: signTestToken(t, validClaims("board-1")),
	}
	env.chats = chat.NewRegistry(chat.NewClient(assistantURL, "anon-key", nil), logger)
	effect := celebration.Multi(env.hub, celebration.Func(func(_ context.Context, ev celebration.Event) {
		env.mu.Lock()
		env.celebrated = append(env.celebrated, ev)
		env.mu.Unlock()
	}))

	e := echo.New()
	e.JSONSerializer = JSONSerializer{}
	e.Use(GzipRequestMiddleware())
	deps := Deps{
		Boards:       board.NewRegistry(env.store, inlineRunner{}, effect, logger),
		Chats:        env.chats,
		Celebrations: env.hub,
		Auth:         newTestAuth(),
		Logger:       logger,
		KeepAlive:    50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	Register(e, deps)
	env.e = e
	return env
}

func (env *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+env.token)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) celebrations() []celebration.Event {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]celebration.Event(nil), env.celebrated...)
}

func lastMetricsEntry(t *testing.T, hook *test.Hook) *log.Entry {
	t.Helper()
	entries := hook.AllEntries()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Message == "board.request.metrics" {
			return entries[i]
		}
	}
	t.Fatal("no request metrics logged")
	return nil
}

// sseFrames splits an event stream body into data payloads.
func sseFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	for _, block := range strings.Split(body, "\n\n") {
		if block == "" {
			continue
		}
		payload, ok := strings.CutPrefix(block, "data: ")
		if !ok {
			t.Fatalf("unexpected frame %q", block)
		}
		frames = append(frames, payload)
	}
	return frames
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/board"},
		{http.MethodPost, "/api/tasks"},
		{http.MethodPatch, "/api/tasks/a"},
		{http.MethodDelete, "/api/tasks/a"},
		{http.MethodPost, "/api/drag"},
		{http.MethodGet, "/api/chat"},
		{http.MethodPost, "/api/chat"},
		{http.MethodDelete, "/api/chat"},
		{http.MethodGet, "/api/stream"},
	}
	for _, r := range routes {
		req := httptest.NewRequest(r.method, r.path, nil)
		rec := httptest.NewRecorder()
		env.e.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", r.method, r.path, rec.Code)
		}
	}

	entry := lastMetricsEntry(t, env.hook)
	if entry.Data["error_stage"] != "auth" {
		t.Fatalf("expected auth error stage, got %v", entry.Data["error_stage"])
	}
}

func TestGetBoard(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodGet, "/api/board", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp boardResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Columns) != 3 {
		t.Fatalf("expected 3 columns, got %d", len(resp.Columns))
	}
	todo := resp.Columns[0]
	if todo.ID != domain.ColumnTodo || len(todo.Tasks) != 3 {
		t.Fatalf("unexpected todo column: %+v", todo)
	}
	for i, want := range []string{"a", "b", "c"} {
		if todo.Tasks[i].ID != want {
			t.Fatalf("todo[%d] = %s, want %s", i, todo.Tasks[i].ID, want)
		}
	}
	if len(resp.Columns[1].Tasks) != 0 || len(resp.Columns[2].Tasks) != 1 {
		t.Fatalf("unexpected columns: %+v", resp.Columns)
	}

	entry := lastMetricsEntry(t, env.hook)
	if entry.Data["route"] != "/api/board" || entry.Data["board"] != "board-1" {
		t.Fatalf("unexpected metrics fields: %v", entry.Data)
	}
	if entry.Data["status"] != http.StatusOK || entry.Data["items"] != 4 {
		t.Fatalf("unexpected metrics fields: %v", entry.Data)
	}
}

func TestPostTask(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{name: "created", body: `{"title":"Review PR","column":"in_progress","priority":"high"}`, status: http.StatusCreated},
		{name: "defaults", body: `{"title":"Later"}`, status: http.StatusCreated},
		{name: "blank title", body: `{"title":"   "}`, status: http.StatusBadRequest},
		{name: "unknown field", body: `{"title":"x","owner":"me"}`, status: http.StatusBadRequest},
		{name: "not json", body: `nope`, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			rec := env.do(http.MethodPost, "/api/tasks", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestPostTaskPlacesAtColumnEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodPost, "/api/tasks", `{"title":"Later"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var task domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.Column != domain.ColumnTodo || task.Position != 3 || task.Priority != domain.PriorityMedium {
		t.Fatalf("unexpected task: %+v", task)
	}

	rec = env.do(http.MethodGet, "/api/board", "")
	var resp boardResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	todo := resp.Columns[0].Tasks
	if len(todo) != 4 || todo[3].ID != task.ID {
		t.Fatalf("new task should be last in todo: %+v", todo)
	}
}

func TestPostTaskGzipBody(t *testing.T) {
	env := newTestEnv(t, nil)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(`{"title":"Compressed"}`)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", &buf)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+env.token)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader("not gzip"))
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+env.token)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec = httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid gzip, got %d", rec.Code)
	}
}

func TestPatchTask(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{name: "rename", path: "/api/tasks/a", body: `{"type":"rename","title":"Write more docs"}`, status: http.StatusNoContent},
		{name: "batch", path: "/api/tasks/b", body: `[{"type":"rename","title":"Fix logout"},{"type":"reprioritize","priority":"high"}]`, status: http.StatusNoContent},
		{name: "unknown task", path: "/api/tasks/zzz", body: `{"type":"rename","title":"x"}`, status: http.StatusNotFound},
		{name: "unknown type", path: "/api/tasks/a", body: `{"type":"explode"}`, status: http.StatusBadRequest},
		{name: "blank title", path: "/api/tasks/a", body: `{"type":"rename","title":""}`, status: http.StatusBadRequest},
		{name: "empty body", path: "/api/tasks/a", body: ` `, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			rec := env.do(http.MethodPatch, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestPatchTaskUpdatesStore(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodPatch, "/api/tasks/b", `[{"type":"rename","title":"Fix logout"},{"type":"reprioritize","priority":"high"}]`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	task, ok := env.store.find("b")
	if !ok || task.Title != "Fix logout" || task.Priority != domain.PriorityHigh {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestDeleteTask(t *testing.T) {
	env := newTestEnv(t, nil)
	if rec := env.do(http.MethodDelete, "/api/tasks/a", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, ok := env.store.find("a"); ok {
		t.Fatal("task should be gone")
	}
	if rec := env.do(http.MethodDelete, "/api/tasks/a", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	entry := lastMetricsEntry(t, env.hook)
	if entry.Data["error_stage"] != "not_found" {
		t.Fatalf("expected not_found stage, got %v", entry.Data["error_stage"])
	}
}

func TestPostDragAcrossColumns(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodPost, "/api/drag", `{"active":"a","over":"done"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var drop board.Drop
	if err := sonic.Unmarshal(rec.Body.Bytes(), &drop); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := board.Drop{TaskID: "a", From: domain.ColumnTodo, To: domain.ColumnDone, Position: 1, ColumnChanged: true}
	if drop != want {
		t.Fatalf("unexpected drop: %+v", drop)
	}

	task, _ := env.store.find("a")
	if task.Column != domain.ColumnDone || task.Status != domain.StatusComplete || task.Position != 1 {
		t.Fatalf("unexpected stored task: %+v", task)
	}
	events := env.celebrations()
	if len(events) != 1 || events[0].TaskID != "a" || events[0].To != domain.ColumnDone {
		t.Fatalf("expected one celebration for a, got %+v", events)
	}
}

func TestPostDragWithinColumn(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodPost, "/api/drag", `{"active":"c","over":"a"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var drop board.Drop
	if err := sonic.Unmarshal(rec.Body.Bytes(), &drop); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if drop.ColumnChanged || drop.Position != 0 || drop.To != domain.ColumnTodo {
		t.Fatalf("unexpected drop: %+v", drop)
	}
	if task, _ := env.store.find("c"); task.Position != 0 || task.Column != domain.ColumnTodo {
		t.Fatalf("unexpected stored task: %+v", task)
	}
	if n := len(env.celebrations()); n != 0 {
		t.Fatalf("reorder should not celebrate, got %d events", n)
	}
}

func TestPostDragNoop(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{name: "onto itself", body: `{"active":"a","over":"a"}`, status: http.StatusNoContent},
		{name: "nowhere", body: `{"active":"a","over":""}`, status: http.StatusNoContent},
		{name: "unknown target", body: `{"active":"a","over":"zzz"}`, status: http.StatusNoContent},
		{name: "unknown task", body: `{"active":"zzz","over":"done"}`, status: http.StatusNoContent},
		{name: "missing active", body: `{"over":"done"}`, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			rec := env.do(http.MethodPost, "/api/drag", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			if got := env.store.tasks; len(got) != 4 || got[0].Column != domain.ColumnTodo {
				t.Fatalf("store should be untouched: %+v", got)
			}
		})
	}
}

func assistantStream(t *testing.T, seen chan<- map[string]any, frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != chat.AssistantPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer anon-key" {
			t.Errorf("unexpected authorization %q", got)
		}
		if seen != nil {
			var body map[string]any
			raw, _ := io.ReadAll(r.Body)
			_ = sonic.Unmarshal(raw, &body)
			seen <- body
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func TestPostChatStreamsTranscript(t *testing.T) {
	seen := make(chan map[string]any, 1)
	env := newTestEnv(t, assistantStream(t, seen,
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":" world"}}]}`,
	))

	rec := env.do(http.MethodPost, "/api/chat", `{"message":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	frames := sseFrames(t, rec.Body.String())
	if len(frames) != 4 {
		t.Fatalf("expected user, two deltas and done, got %d frames: %q", len(frames), frames)
	}
	if frames[3] != "[DONE]" {
		t.Fatalf("expected trailing [DONE], got %q", frames[3])
	}
	wantContent := []string{"", "Hello", "Hello world"}
	for i := 0; i < 3; i++ {
		var tr transcriptResponse
		if err := sonic.UnmarshalString(frames[i], &tr); err != nil {
			t.Fatalf("decode frame %d: %v", i, err)
		}
		if tr.Messages[0] != (domain.Message{Role: domain.RoleUser, Content: "hi"}) {
			t.Fatalf("frame %d: unexpected user turn %+v", i, tr.Messages[0])
		}
		if i == 0 {
			if len(tr.Messages) != 1 {
				t.Fatalf("first frame should only carry the user turn: %+v", tr.Messages)
			}
			continue
		}
		if len(tr.Messages) != 2 || tr.Messages[1].Content != wantContent[i] {
			t.Fatalf("frame %d: unexpected transcript %+v", i, tr.Messages)
		}
	}

	body := <-seen
	ctxText, _ := body["boardContext"].(string)
	if !strings.HasPrefix(ctxText, "Current board state:") || !strings.Contains(ctxText, `"Write docs" [high]`) {
		t.Fatalf("unexpected board context %q", ctxText)
	}

	rec = env.do(http.MethodGet, "/api/chat", "")
	var tr transcriptResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &tr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tr.State != "idle" || len(tr.Messages) != 2 || tr.Messages[1].Content != "Hello world" {
		t.Fatalf("unexpected transcript: %+v", tr)
	}
}

func TestPostChatFallbackOnFailure(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	rec := env.do(http.MethodPost, "/api/chat", `{"message":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	frames := sseFrames(t, rec.Body.String())
	if len(frames) != 3 || frames[2] != "[DONE]" {
		t.Fatalf("unexpected frames: %q", frames)
	}
	var tr transcriptResponse
	if err := sonic.UnmarshalString(frames[1], &tr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tr.Messages) != 2 || tr.Messages[1].Content != chat.FallbackMessage {
		t.Fatalf("expected fallback reply, got %+v", tr.Messages)
	}
}

func TestPostChatRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "blank", body: `{"message":"   "}`},
		{name: "missing", body: `{}`},
		{name: "not json", body: `hi`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			rec := env.do(http.MethodPost, "/api/chat", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if msgs := env.chats.Get("board-1").Messages(); len(msgs) != 0 {
				t.Fatalf("transcript should stay empty: %+v", msgs)
			}
		})
	}
}

func TestChatBusy(t *testing.T) {
	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\ndata: [DONE]\n\n")
	}))
	t.Cleanup(unblock)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- env.do(http.MethodPost, "/api/chat", `{"message":"first"}`) }()

	session := env.chats.Get("board-1")
	deadline := time.Now().Add(2 * time.Second)
	for !session.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("exchange never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if rec := env.do(http.MethodPost, "/api/chat", `{"message":"second"}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while busy, got %d", rec.Code)
	}
	if rec := env.do(http.MethodDelete, "/api/chat", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on reset while busy, got %d", rec.Code)
	}

	unblock()
	if rec := <-done; rec.Code != http.StatusOK {
		t.Fatalf("first exchange: expected 200, got %d", rec.Code)
	}
	msgs := session.Messages()
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Content != "ok" {
		t.Fatalf("unexpected transcript: %+v", msgs)
	}

	if rec := env.do(http.MethodDelete, "/api/chat", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on reset, got %d", rec.Code)
	}
	if msgs := session.Messages(); len(msgs) != 0 {
		t.Fatalf("transcript should be empty after reset: %+v", msgs)
	}
}

func TestStreamCelebrations(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.e)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream?token="+env.token, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil || line != ": ping\n" {
		t.Fatalf("expected initial ping, got %q (%v)", line, err)
	}

	if rec := env.do(http.MethodPost, "/api/drag", `{"active":"b","over":"d"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("drag: expected 202, got %d", rec.Code)
	}

	var ev celebration.Event
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if err := sonic.UnmarshalString(strings.TrimSpace(payload), &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		break
	}
	if ev.Board != "board-1" || ev.TaskID != "b" || ev.From != domain.ColumnTodo || ev.To != domain.ColumnDone {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if len(ev.Recipe.Bursts) == 0 || ev.Recipe.Bursts[0].ParticleCount != 80 {
		t.Fatalf("event should carry the default recipe: %+v", ev.Recipe)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Subscribers("board-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream did not unsubscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

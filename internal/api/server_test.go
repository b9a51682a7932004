package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/nugget/foreman/internal/agent"
	"github.com/nugget/foreman/internal/events"
	"github.com/nugget/foreman/internal/llm"
	"github.com/nugget/foreman/internal/metrics"
	"github.com/nugget/foreman/internal/prompts"
	"github.com/nugget/foreman/internal/ratelimit"
	"github.com/nugget/foreman/internal/store"
)

type fakeAssistant struct {
	mu    sync.Mutex
	resp  *agent.Response
	err   error
	delay time.Duration
	reqs  []agent.Request
}

func (f *fakeAssistant) Run(_ context.Context, req agent.Request) (*agent.Response, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)"
	s, err := store.OpenDriver(context.Background(), "sqlite", dsn)
	if err != nil {
		t.Fatalf("OpenDriver: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testCapabilities = []prompts.Capability{{Name: "get_tasks", Summary: "Query tasks."}}

func newTestServer(t *testing.T, assistant Assistant) (*Server, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	srv := NewServer("", 0, st, assistant, testCapabilities, nil)
	return srv, st
}

func do(t *testing.T, h http.Handler, method, path, body string, cookie bool) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if cookie {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "secret"})
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestAdminGate(t *testing.T) {
	srv, _ := newTestServer(t, &fakeAssistant{})

	tests := []struct {
		name   string
		token  string
		cookie string
		want   int
	}{
		{"no cookie", "", "", http.StatusUnauthorized},
		{"any cookie without token", "", "whatever", http.StatusOK},
		{"wrong cookie", "secret", "nope", http.StatusUnauthorized},
		{"right cookie", "secret", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv.SetSessionToken(tt.token)
			req := httptest.NewRequest("GET", "/api/admin/projects", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: SessionCookie, Value: tt.cookie})
			}
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestChat(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		assistant  *fakeAssistant
		nilAssist  bool
		body       func(projectID string) string
		wantStatus int
		wantError  string
		wantMsg    string
	}{
		{
			name:       "success",
			assistant:  &fakeAssistant{resp: &agent.Response{Content: "Two tasks are blocked."}},
			body:       func(id string) string { return `{"projectId":"` + id + `","messages":[{"role":"user","content":"status?"}]}` },
			wantStatus: http.StatusOK,
			wantMsg:    "Two tasks are blocked.",
		},
		{
			name:       "empty reply falls back",
			assistant:  &fakeAssistant{resp: &agent.Response{}},
			body:       func(id string) string { return `{"projectId":"` + id + `","messages":[{"role":"user","content":"hi"}]}` },
			wantStatus: http.StatusOK,
			wantMsg:    prompts.NoResponseFallback,
		},
		{
			name:       "no api key",
			nilAssist:  true,
			body:       func(id string) string { return `{"projectId":"` + id + `","messages":[{"role":"user","content":"hi"}]}` },
			wantStatus: http.StatusInternalServerError,
			wantError:  "not configured",
		},
		{
			name:       "missing messages",
			assistant:  &fakeAssistant{},
			body:       func(id string) string { return `{"projectId":"` + id + `"}` },
			wantStatus: http.StatusBadRequest,
			wantError:  "Messages array is required",
		},
		{
			name:       "messages not an array",
			assistant:  &fakeAssistant{},
			body:       func(id string) string { return `{"projectId":"` + id + `","messages":"hi"}` },
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid request body",
		},
		{
			name:       "bad role",
			assistant:  &fakeAssistant{},
			body:       func(id string) string { return `{"projectId":"` + id + `","messages":[{"role":"system","content":"x"}]}` },
			wantStatus: http.StatusBadRequest,
			wantError:  "role",
		},
		{
			name:       "empty content",
			assistant:  &fakeAssistant{},
			body:       func(id string) string { return `{"projectId":"` + id + `","messages":[{"role":"user","content":"  "}]}` },
			wantStatus: http.StatusBadRequest,
			wantError:  "content must not be empty",
		},
		{
			name:       "missing project id",
			assistant:  &fakeAssistant{},
			body:       func(string) string { return `{"messages":[{"role":"user","content":"hi"}]}` },
			wantStatus: http.StatusBadRequest,
			wantError:  "projectId is required",
		},
		{
			name:       "unknown project",
			assistant:  &fakeAssistant{},
			body:       func(string) string { return `{"projectId":"nope","messages":[{"role":"user","content":"hi"}]}` },
			wantStatus: http.StatusNotFound,
			wantError:  "Project not found",
		},
		{
			name:       "provider rejects key",
			assistant:  &fakeAssistant{err: &llm.APIError{StatusCode: 401, Type: "authentication_error", Message: "invalid x-api-key"}},
			body:       func(id string) string { return `{"projectId":"` + id + `","messages":[{"role":"user","content":"hi"}]}` },
			wantStatus: http.StatusUnauthorized,
			wantError:  "Invalid API key",
		},
		{
			name:       "other failure is redacted",
			assistant:  &fakeAssistant{err: errors.New("dial tcp 10.0.0.1:443: connection refused")},
			body:       func(id string) string { return `{"projectId":"` + id + `","messages":[{"role":"user","content":"hi"}]}` },
			wantStatus: http.StatusInternalServerError,
			wantError:  "An error occurred",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var assistant Assistant = tt.assistant
			if tt.nilAssist {
				assistant = nil
			}
			srv, st := newTestServer(t, assistant)
			p, err := st.CreateProject(ctx, store.NewProject{Name: "Website Redesign", Slug: "website"})
			if err != nil {
				t.Fatalf("CreateProject: %v", err)
			}

			rec := do(t, srv.Handler(), "POST", "/api/admin/ai/chat", tt.body(p.ID), true)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantError != "" {
				body := decodeBody[errorBody](t, rec)
				if body.Success || !strings.Contains(body.Error, tt.wantError) {
					t.Errorf("body = %+v, want error containing %q", body, tt.wantError)
				}
				if strings.Contains(rec.Body.String(), "10.0.0.1") {
					t.Error("internal error detail leaked to client")
				}
				return
			}
			body := decodeBody[ChatResponse](t, rec)
			if !body.Success || body.Message != tt.wantMsg {
				t.Errorf("body = %+v, want message %q", body, tt.wantMsg)
			}
		})
	}
}

func TestChat_BuildsSystemPrompt(t *testing.T) {
	ctx := context.Background()
	assistant := &fakeAssistant{resp: &agent.Response{Content: "ok"}}
	srv, st := newTestServer(t, assistant)
	p, err := st.CreateProject(ctx, store.NewProject{Name: "Website Redesign", Slug: "website"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := st.AddMemory(ctx, store.NewMemory{Content: "Client prefers Friday demos", Category: "preference"}); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}

	body := `{"projectId":"` + p.ID + `","messages":[{"role":"user","content":"a"},{"role":"assistant","content":"b"},{"role":"user","content":"c"}]}`
	if rec := do(t, srv.Handler(), "POST", "/api/admin/ai/chat", body, true); rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	req := assistant.reqs[0]
	if req.ProjectID != p.ID {
		t.Errorf("ProjectID = %q", req.ProjectID)
	}
	if len(req.Messages) != 3 || req.Messages[1].Role != llm.RoleAssistant {
		t.Errorf("messages = %+v", req.Messages)
	}
	for _, want := range []string{"Website Redesign", "get_tasks", "[preference] Client prefers Friday demos"} {
		if !strings.Contains(req.System, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}

func TestChat_RecordsUsage(t *testing.T) {
	ctx := context.Background()
	assistant := &fakeAssistant{resp: &agent.Response{
		Content: "done", Model: "claude-test", Iterations: 3, StopReason: "end_turn",
		ToolCalls: 2, InputTokens: 300, OutputTokens: 40, RequestID: "req-1",
	}}
	srv, st := newTestServer(t, assistant)
	p, err := st.CreateProject(ctx, store.NewProject{Name: "Usage", Slug: "usage"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	body := `{"projectId":"` + p.ID + `","messages":[{"role":"user","content":"hi"}]}`
	if rec := do(t, srv.Handler(), "POST", "/api/admin/ai/chat", body, true); rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	byProject, err := st.UsageByProject(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("UsageByProject: %v", err)
	}
	got := byProject[p.ID]
	if got == nil || got.Requests != 1 || got.InputTokens != 300 || got.OutputTokens != 40 || got.ToolCalls != 2 {
		t.Errorf("usage = %+v, want one request with 300/40 tokens and 2 tool calls", got)
	}
}

func TestChat_OutlivesServerWriteTimeout(t *testing.T) {
	ctx := context.Background()
	assistant := &fakeAssistant{resp: &agent.Response{Content: "done"}, delay: 300 * time.Millisecond}
	srv, st := newTestServer(t, assistant)
	srv.SetChatTimeout(5 * time.Second)
	p, err := st.CreateProject(ctx, store.NewProject{Name: "Website Redesign", Slug: "website"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	ts := httptest.NewUnstartedServer(srv.Handler())
	ts.Config.WriteTimeout = 100 * time.Millisecond
	ts.Start()
	defer ts.Close()

	req, err := http.NewRequest("POST", ts.URL+"/api/admin/ai/chat",
		strings.NewReader(`{"projectId":"`+p.ID+`","messages":[{"role":"user","content":"status?"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "secret"})
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("chat request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Message != "done" {
		t.Errorf("message = %q, want done", body.Message)
	}
}

func TestChat_RateLimited(t *testing.T) {
	ctx := context.Background()
	srv, st := newTestServer(t, &fakeAssistant{resp: &agent.Response{Content: "ok"}})
	m := metrics.New()
	srv.SetMetrics(m)
	srv.SetLimiters(ratelimit.New(ratelimit.Config{Window: time.Minute, MaxRequests: 2}), nil)
	p, err := st.CreateProject(ctx, store.NewProject{Name: "P", Slug: "p"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	h := srv.Handler()
	body := `{"projectId":"` + p.ID + `","messages":[{"role":"user","content":"hi"}]}`

	for i := range 2 {
		rec := do(t, h, "POST", "/api/admin/ai/chat", body, true)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != strconv.Itoa(1-i) {
			t.Errorf("request %d remaining = %q", i+1, got)
		}
	}
	rec := do(t, h, "POST", "/api/admin/ai/chat", body, true)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if b := decodeBody[errorBody](t, rec); b.Error != "Too many requests" || b.Success {
		t.Errorf("body = %+v", b)
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset missing on 429")
	}

	// Project routes are not counted against the chat limiter.
	if rec := do(t, h, "GET", "/api/admin/projects", "", true); rec.Code != http.StatusOK {
		t.Errorf("projects status = %d", rec.Code)
	}
}

func TestProjects_CRUD(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	rec := do(t, h, "POST", "/api/admin/projects", `{"name":"Website Redesign!","description":"Q3"}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[projectBody](t, rec)
	if created.Project.Slug != "website-redesign" || !created.Success {
		t.Errorf("created = %+v", created)
	}

	rec = do(t, h, "POST", "/api/admin/projects", `{"name":"Other","slug":"website-redesign"}`, true)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate slug status = %d", rec.Code)
	}

	rec = do(t, h, "GET", "/api/admin/projects", "", true)
	list := decodeBody[struct {
		Projects []store.Project `json:"projects"`
	}](t, rec)
	if len(list.Projects) != 1 {
		t.Errorf("list = %+v", list)
	}

	rec = do(t, h, "GET", "/api/admin/projects/website-redesign", "", true)
	if got := decodeBody[projectBody](t, rec); got.Project == nil || got.Project.ID != created.Project.ID {
		t.Errorf("get = %s", rec.Body.String())
	}

	rec = do(t, h, "PATCH", "/api/admin/projects/website-redesign",
		`{"description":null,"blockers":[{"item":"DNS","owner":"client","impact":"launch"}]}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %s", rec.Code, rec.Body.String())
	}
	updated := decodeBody[projectBody](t, rec)
	if updated.Project.Description != "" || len(updated.Project.Blockers) != 1 || updated.Project.Revision != 1 {
		t.Errorf("updated = %+v", updated.Project)
	}

	if rec := do(t, h, "DELETE", "/api/admin/projects/website-redesign", "", true); rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/api/admin/projects/website-redesign", "", true); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
	if rec := do(t, h, "DELETE", "/api/admin/projects/website-redesign", "", true); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}
}

func TestProjects_Validation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	tests := []struct {
		name string
		body string
	}{
		{"missing name", `{}`},
		{"empty name", `{"name":""}`},
		{"long name", `{"name":"` + strings.Repeat("n", 101) + `"}`},
		{"bad slug", `{"name":"x","slug":"Has Spaces"}`},
		{"long description", `{"name":"x","description":"` + strings.Repeat("d", 501) + `"}`},
		{"unsluggable name", `{"name":"!!!"}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, "POST", "/api/admin/projects", tt.body, true)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Website Redesign":     "website-redesign",
		"  Acme -- Phase 2!  ": "acme-phase-2",
		"already-a-slug":       "already-a-slug",
		"Ünïcode Café":         "n-code-caf",
		"***":                  "",
	}
	for in, want := range tests {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHealthAndVersion(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	rec := do(t, h, "GET", "/health", "", false)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, "GET", "/v1/version", "", false)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "version") {
		t.Errorf("version = %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	srv.SetMetrics(metrics.New())
	h := srv.Handler()

	do(t, h, "GET", "/health", "", false)
	rec := do(t, h, "GET", "/metrics", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `foreman_http_requests_total{code="200",route="GET /health"}`) {
		t.Errorf("request metric missing from:\n%s", rec.Body.String())
	}
}

func TestChangelogFeed(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	bus := events.New()
	srv.SetEvents(bus)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/admin/changelog/feed?project=p1"
	header := http.Header{}
	header.Set("Cookie", SessionCookie+"=secret")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()

	for bus.SubscriberCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	other, mine := "p2", "p1"
	bus.Emit(events.SourceChangelog, events.KindEntryAppended, map[string]any{
		"entry": store.ChangelogEntry{ID: "a", ProjectID: &other, Title: "other project"}, "project_id": other,
	})
	bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{"tool": "get_tasks"})
	bus.Emit(events.SourceChangelog, events.KindEntryAppended, map[string]any{
		"entry": store.ChangelogEntry{ID: "b", ProjectID: &mine, Title: "Created 3 tasks via AI"}, "project_id": mine,
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg FeedMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Type != "changelog" || msg.ProjectID != "p1" || msg.Entry.Title != "Created 3 tasks via AI" {
		t.Errorf("msg = %+v", msg)
	}

	bus.Close()
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close, got %v", err)
	}
}

func TestChangelogFeed_RequiresSession(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	srv.SetEvents(events.New())
	rec := do(t, srv.Handler(), "GET", "/api/admin/changelog/feed", "", false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

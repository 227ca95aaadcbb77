package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wrenware/opsagent/internal/config"
	"github.com/wrenware/opsagent/internal/escalation"
	"github.com/wrenware/opsagent/internal/events"
	"github.com/wrenware/opsagent/internal/llm"
	"github.com/wrenware/opsagent/internal/memory"
	"github.com/wrenware/opsagent/internal/notify"
	"github.com/wrenware/opsagent/internal/queue"
	"github.com/wrenware/opsagent/internal/report"
	"github.com/wrenware/opsagent/internal/session"
	"github.com/wrenware/opsagent/internal/taskconfig"
	"github.com/wrenware/opsagent/internal/tools"
	"github.com/wrenware/opsagent/internal/usage"
)

type stubRunner struct {
	executed []string
	reloads  int
}

func (r *stubRunner) ExecuteTask(ctx context.Context, name string) error {
	r.executed = append(r.executed, name)
	return nil
}

func (r *stubRunner) Reload(ctx context.Context) error {
	r.reloads++
	return nil
}

type echoLLM struct{}

func (echoLLM) Chat(ctx context.Context, model, system string, messages []llm.Message, decls []llm.ToolDecl) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{
		Model:        model,
		Message:      llm.Message{Role: "assistant", Content: "hello from the agent"},
		InputTokens:  10,
		OutputTokens: 5,
	}, nil
}

func (echoLLM) Ping(ctx context.Context) error { return nil }

type testEnv struct {
	server *Server
	runner *stubRunner
	deps   Deps
	bus    *events.Bus
}

func newTestServer(t *testing.T, tokens []string) *testEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "agent.db")

	reports, err := report.NewStore(dbPath)
	if err != nil {
		t.Fatalf("report.NewStore: %v", err)
	}
	escs, err := escalation.NewStore(dbPath)
	if err != nil {
		t.Fatalf("escalation.NewStore: %v", err)
	}
	q, err := queue.NewStore(dbPath)
	if err != nil {
		t.Fatalf("queue.NewStore: %v", err)
	}
	tasks, err := taskconfig.NewStore(dbPath)
	if err != nil {
		t.Fatalf("taskconfig.NewStore: %v", err)
	}
	us, err := usage.NewStore(dbPath)
	if err != nil {
		t.Fatalf("usage.NewStore: %v", err)
	}
	settings, err := notify.NewSettingsStore(dbPath)
	if err != nil {
		t.Fatalf("notify.NewSettingsStore: %v", err)
	}
	sessions, err := session.NewStore(dbPath)
	if err != nil {
		t.Fatalf("session.NewStore: %v", err)
	}
	mem, err := memory.NewStore(dbPath)
	if err != nil {
		t.Fatalf("memory.NewStore: %v", err)
	}
	t.Cleanup(func() {
		reports.Close()
		escs.Close()
		q.Close()
		tasks.Close()
		us.Close()
		settings.Close()
		sessions.Close()
		mem.Close()
	})

	bus := events.New()
	svc := session.NewService(session.ServiceDeps{
		Store:       sessions,
		Memory:      mem,
		Queue:       q,
		Escalations: escs,
		Usage:       us,
		Client:      echoLLM{},
		Registry:    tools.NewRegistry(tools.Deps{}),
		Models:      config.ModelsConfig{Default: "test-model"},
		Bus:         bus,
	})

	runner := &stubRunner{}
	deps := Deps{
		Reports:      reports,
		Escalations:  escs,
		Queue:        q,
		Tasks:        tasks,
		Usage:        us,
		Settings:     settings,
		Sessions:     svc,
		SessionStore: sessions,
		Runner:       runner,
		Bus:          bus,
	}
	return &testEnv{
		server: NewServer("127.0.0.1", 0, tokens, deps),
		runner: runner,
		deps:   deps,
		bus:    bus,
	}
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("response is not JSON: %v (%q)", err, rec.Body.String())
		}
	}
	return rec, out
}

func TestAuth(t *testing.T) {
	env := newTestServer(t, []string{"secret-token"})
	h := env.server.Handler()

	// Health stays open.
	rec, _ := doJSON(t, h, "GET", "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("/health without token = %d, want 200", rec.Code)
	}

	// Everything else requires a token.
	rec, _ = doJSON(t, h, "GET", "/v1/reports", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("/v1/reports without token = %d, want 401", rec.Code)
	}
	rec, _ = doJSON(t, h, "GET", "/v1/reports", "wrong-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("/v1/reports with bad token = %d, want 401", rec.Code)
	}
	rec, _ = doJSON(t, h, "GET", "/v1/reports", "secret-token", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("/v1/reports with token = %d, want 200", rec.Code)
	}
}

func TestAuth_DisabledWithoutTokens(t *testing.T) {
	env := newTestServer(t, nil)
	rec, _ := doJSON(t, env.server.Handler(), "GET", "/v1/reports", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("no-auth server = %d, want 200", rec.Code)
	}
}

func TestReportEndpoints(t *testing.T) {
	env := newTestServer(t, nil)
	h := env.server.Handler()
	ctx := context.Background()

	id, err := env.deps.Reports.Insert(ctx, report.Report{
		TaskName: "disk_check",
		Content:  "Disk usage normal across the fleet.",
		Summary:  "Disk usage normal.",
		Severity: report.SeverityInfo,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rec, out := doJSON(t, h, "GET", "/v1/reports", "", nil)
	if rec.Code != http.StatusOK || out["count"].(float64) != 1 {
		t.Fatalf("list = %d %v", rec.Code, out)
	}

	rec, out = doJSON(t, h, "GET", "/v1/reports/search?q=fleet", "", nil)
	if rec.Code != http.StatusOK || out["count"].(float64) != 1 {
		t.Errorf("search = %d %v", rec.Code, out)
	}

	rec, _ = doJSON(t, h, "POST", "/v1/reports/"+id+"/ack", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("ack = %d, want 200", rec.Code)
	}

	rec, _ = doJSON(t, h, "POST", "/v1/reports/no-such-id/ack", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("ack unknown = %d, want 404", rec.Code)
	}
}

func TestEscalationEndpoints(t *testing.T) {
	env := newTestServer(t, nil)
	h := env.server.Handler()
	ctx := context.Background()

	id, err := env.deps.Escalations.Insert(ctx, escalation.Escalation{
		Title:    "db replica lagging",
		Severity: escalation.SeverityHigh,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rec, out := doJSON(t, h, "GET", "/v1/escalations", "", nil)
	if rec.Code != http.StatusOK || out["count"].(float64) != 1 {
		t.Fatalf("list = %d %v", rec.Code, out)
	}

	rec, _ = doJSON(t, h, "POST", "/v1/escalations/"+id+"/resolve", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("resolve = %d, want 200", rec.Code)
	}

	// Resolved escalations leave the open list.
	_, out = doJSON(t, h, "GET", "/v1/escalations", "", nil)
	if out["count"].(float64) != 0 {
		t.Errorf("open after resolve = %v, want 0", out["count"])
	}
}

func TestTaskRunAndReload(t *testing.T) {
	env := newTestServer(t, nil)
	h := env.server.Handler()

	rec, _ := doJSON(t, h, "POST", "/v1/tasks/health_check/run", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("run = %d, want 200", rec.Code)
	}
	if len(env.runner.executed) != 1 || env.runner.executed[0] != "health_check" {
		t.Errorf("executed = %v", env.runner.executed)
	}

	rec, _ = doJSON(t, h, "POST", "/v1/tasks/reload", "", nil)
	if rec.Code != http.StatusOK || env.runner.reloads != 1 {
		t.Errorf("reload = %d, reloads = %d", rec.Code, env.runner.reloads)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	env := newTestServer(t, nil)
	h := env.server.Handler()

	rec, _ := doJSON(t, h, "PUT", "/v1/notifications/settings", "", map[string]any{
		"email_enabled":        false,
		"digest_enabled":       true,
		"digest_time":          "07:30",
		"quiet_hours_start":    "23:00",
		"quiet_hours_end":      "06:30",
		"immediate_severities": []string{"critical"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put = %d", rec.Code)
	}

	_, out := doJSON(t, h, "GET", "/v1/notifications/settings", "", nil)
	if out["email_enabled"] != false || out["quiet_hours_start"] != "23:00" {
		t.Errorf("settings = %v", out)
	}
	if out["digest_enabled"] != true || out["digest_time"] != "07:30" {
		t.Errorf("digest settings = %v", out)
	}
	if sevs, ok := out["immediate_severities"].([]any); !ok || len(sevs) != 1 || sevs[0] != "critical" {
		t.Errorf("immediate_severities = %v", out["immediate_severities"])
	}

	// Malformed windows are rejected.
	rec, _ = doJSON(t, h, "PUT", "/v1/notifications/settings", "", map[string]any{
		"quiet_hours_start": "25:99",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad window = %d, want 400", rec.Code)
	}
}

func TestSessionFlow(t *testing.T) {
	env := newTestServer(t, nil)
	h := env.server.Handler()

	rec, out := doJSON(t, h, "POST", "/v1/sessions", "", map[string]any{
		"conversation_type": "chat",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start = %d %v", rec.Code, out)
	}
	id := out["session_id"].(string)
	if out["greeting"] != "hello from the agent" {
		t.Errorf("greeting = %v", out["greeting"])
	}

	rec, out = doJSON(t, h, "POST", "/v1/sessions/"+id+"/messages", "", map[string]any{
		"message": "status?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("message = %d %v", rec.Code, out)
	}
	if !strings.Contains(out["response"].(string), "hello from the agent") {
		t.Errorf("response = %v", out["response"])
	}

	rec, out = doJSON(t, h, "GET", "/v1/sessions/"+id, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	msgs := out["messages"].([]any)
	// greeting + user + assistant
	if len(msgs) != 3 {
		t.Errorf("transcript length = %d, want 3", len(msgs))
	}
}

func TestEventsWebSocket(t *testing.T) {
	env := newTestServer(t, nil)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the subscription a moment to register before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	env.bus.Publish(events.Event{
		Source: events.SourceScheduler,
		Kind:   events.KindTaskFired,
		Data:   map[string]any{"task_name": "health_check"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != events.KindTaskFired || ev.Data["task_name"] != "health_check" {
		t.Errorf("event = %+v", ev)
	}
}

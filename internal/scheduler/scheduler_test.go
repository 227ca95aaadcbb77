package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wrenware/opsagent/internal/config"
	"github.com/wrenware/opsagent/internal/escalation"
	"github.com/wrenware/opsagent/internal/llm"
	"github.com/wrenware/opsagent/internal/memory"
	"github.com/wrenware/opsagent/internal/notify"
	"github.com/wrenware/opsagent/internal/queue"
	"github.com/wrenware/opsagent/internal/report"
	"github.com/wrenware/opsagent/internal/taskconfig"
	"github.com/wrenware/opsagent/internal/tools"
	"github.com/wrenware/opsagent/internal/usage"
)

// scriptedLLM answers every call with the same response (or error) and
// records the system prompts it saw.
type scriptedLLM struct {
	answer  string
	err     error
	calls   int
	systems []string
}

func (m *scriptedLLM) Chat(ctx context.Context, model, system string, messages []llm.Message, decls []llm.ToolDecl) (*llm.ChatResponse, error) {
	m.calls++
	m.systems = append(m.systems, system)
	if m.err != nil {
		return nil, m.err
	}
	return &llm.ChatResponse{
		Model:        model,
		Message:      llm.Message{Role: "assistant", Content: m.answer},
		InputTokens:  100,
		OutputTokens: 40,
		StopReason:   "end_turn",
	}, nil
}

func (m *scriptedLLM) Ping(ctx context.Context) error { return nil }

type fixture struct {
	sched       *Scheduler
	tasks       *taskconfig.Store
	reports     *report.Store
	escalations *escalation.Store
	settings    *notify.SettingsStore
}

func newFixture(t *testing.T, client llm.Client, dispatcher *notify.Dispatcher, settings *notify.SettingsStore, dbPath string) *fixture {
	t.Helper()

	tasks, err := taskconfig.NewStore(dbPath)
	if err != nil {
		t.Fatalf("taskconfig.NewStore: %v", err)
	}
	reports, err := report.NewStore(dbPath)
	if err != nil {
		t.Fatalf("report.NewStore: %v", err)
	}
	escalations, err := escalation.NewStore(dbPath)
	if err != nil {
		t.Fatalf("escalation.NewStore: %v", err)
	}
	q, err := queue.NewStore(dbPath)
	if err != nil {
		t.Fatalf("queue.NewStore: %v", err)
	}
	mem, err := memory.NewStore(dbPath)
	if err != nil {
		t.Fatalf("memory.NewStore: %v", err)
	}
	us, err := usage.NewStore(dbPath)
	if err != nil {
		t.Fatalf("usage.NewStore: %v", err)
	}
	t.Cleanup(func() {
		tasks.Close()
		reports.Close()
		escalations.Close()
		q.Close()
		mem.Close()
		us.Close()
	})

	sched := New(Deps{
		Tasks:       tasks,
		Reports:     reports,
		Escalations: escalations,
		Queue:       q,
		Memory:      mem,
		Usage:       us,
		Client:      client,
		Registry: tools.NewRegistry(tools.Deps{
			Memory:      mem,
			Tasks:       tasks,
			Reports:     reports,
			Escalations: escalations,
			Queue:       q,
		}),
		Dispatcher: dispatcher,
		Models: config.ModelsConfig{
			Default: "test-model",
			Pricing: map[string]config.PricingEntry{
				"test-model": {InputPerMillion: 3, OutputPerMillion: 15},
			},
		},
	})
	return &fixture{sched: sched, tasks: tasks, reports: reports, escalations: escalations, settings: settings}
}

func newTestScheduler(t *testing.T, client llm.Client) *fixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "agent.db")
	return newFixture(t, client, nil, nil, dbPath)
}

func createTask(t *testing.T, f *fixture, name string, maxRetries int) {
	t.Helper()
	err := f.tasks.Create(context.Background(), taskconfig.TaskConfig{
		TaskName:       name,
		Description:    "test task",
		CronSchedule:   "0 9 * * *",
		PromptTemplate: "Check the system and report.",
		Enabled:        true,
		MaxRetries:     maxRetries,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
}

func TestExecuteTask_Success(t *testing.T) {
	client := &scriptedLLM{answer: "All systems nominal. Nothing to do."}
	f := newTestScheduler(t, client)
	ctx := context.Background()
	createTask(t, f, "health_check", 3)

	if err := f.sched.ExecuteTask(ctx, "health_check"); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	rep, err := f.reports.LatestForTask(ctx, "health_check")
	if err != nil || rep == nil {
		t.Fatalf("LatestForTask: %v, %v", rep, err)
	}
	if rep.Content != "All systems nominal. Nothing to do." {
		t.Errorf("Content = %q", rep.Content)
	}
	if rep.Severity != report.SeverityInfo {
		t.Errorf("Severity = %q, want info", rep.Severity)
	}
	if rep.TokensIn != 100 || rep.TokensOut != 40 {
		t.Errorf("tokens = %d/%d", rep.TokensIn, rep.TokensOut)
	}
	if rep.CostEstimate <= 0 {
		t.Errorf("CostEstimate = %v, want > 0", rep.CostEstimate)
	}

	tc, err := f.tasks.Get(ctx, "health_check")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tc.LastRunStatus != taskconfig.StatusSuccess {
		t.Errorf("LastRunStatus = %q, want success", tc.LastRunStatus)
	}
	if tc.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", tc.ConsecutiveFailures)
	}
}

func TestExecuteTask_SeverityFromKeywords(t *testing.T) {
	client := &scriptedLLM{answer: "Critical: disk usage at 97% on db01."}
	f := newTestScheduler(t, client)
	ctx := context.Background()
	createTask(t, f, "disk_check", 3)

	if err := f.sched.ExecuteTask(ctx, "disk_check"); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	rep, _ := f.reports.LatestForTask(ctx, "disk_check")
	if rep.Severity != report.SeverityCritical {
		t.Errorf("Severity = %q, want critical", rep.Severity)
	}
}

// toolCallLLM emits one tool call on the first round, then a plain
// answer.
type toolCallLLM struct {
	tool  string
	args  map[string]any
	calls int
}

func (m *toolCallLLM) Chat(ctx context.Context, model, system string, messages []llm.Message, decls []llm.ToolDecl) (*llm.ChatResponse, error) {
	m.calls++
	resp := &llm.ChatResponse{
		Model:        model,
		Message:      llm.Message{Role: "assistant", Content: "Checked the disks."},
		InputTokens:  100,
		OutputTokens: 40,
		StopReason:   "end_turn",
	}
	if m.calls == 1 {
		resp.Message.Content = "Writing it up."
		resp.Message.ToolCalls = []llm.ToolCall{{ID: "toolu_1", Name: m.tool, Arguments: m.args}}
		resp.StopReason = "tool_use"
	}
	return resp, nil
}

func (m *toolCallLLM) Ping(ctx context.Context) error { return nil }

func TestExecuteTask_SchedulerOwnsTheDailyReport(t *testing.T) {
	client := &toolCallLLM{
		tool: "write_report",
		args: map[string]any{"content": "Disk at 66% on db01."},
	}
	f := newTestScheduler(t, client)
	ctx := context.Background()
	createTask(t, f, "disk_check", 3)

	if err := f.sched.ExecuteTask(ctx, "disk_check"); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	// write_report is chat/voice only. A scheduled run that tries it
	// gets a tool failure back and the scheduler records the single
	// report for the day itself.
	all, err := f.reports.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	var forTask int
	for _, r := range all {
		if r.TaskName == "disk_check" {
			forTask++
		}
	}
	if forTask != 1 {
		t.Fatalf("reports for disk_check today = %d, want 1", forTask)
	}

	tc, err := f.tasks.Get(ctx, "disk_check")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tc.LastRunStatus != taskconfig.StatusSuccess {
		t.Errorf("LastRunStatus = %q, want success", tc.LastRunStatus)
	}
}

func TestExecuteTask_DedupSameDay(t *testing.T) {
	client := &scriptedLLM{answer: "second run"}
	f := newTestScheduler(t, client)
	ctx := context.Background()
	createTask(t, f, "daily_briefing", 3)

	// A report from earlier today already exists.
	_, err := f.reports.Insert(ctx, report.Report{
		TaskName: "daily_briefing",
		Content:  "first run",
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := f.sched.ExecuteTask(ctx, "daily_briefing"); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	if client.calls != 0 {
		t.Errorf("model calls = %d, want 0 (deduplicated)", client.calls)
	}
	// Dedup is not a run: status stays untouched.
	tc, _ := f.tasks.Get(ctx, "daily_briefing")
	if tc.LastRunStatus != "" {
		t.Errorf("LastRunStatus = %q, want empty", tc.LastRunStatus)
	}
}

func TestExecuteTask_FoldsLastReport(t *testing.T) {
	client := &scriptedLLM{answer: "Trend holding. No change."}
	f := newTestScheduler(t, client)
	ctx := context.Background()
	createTask(t, f, "disk_check", 3)

	// Yesterday's report must appear in today's prompt context.
	_, err := f.reports.Insert(ctx, report.Report{
		TaskName:  "disk_check",
		Content:   "Yesterday: disk at 81%.",
		CreatedAt: time.Now().Add(-24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := f.sched.ExecuteTask(ctx, "disk_check"); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("model calls = %d, want 1", client.calls)
	}
	if !strings.Contains(client.systems[0], "Yesterday: disk at 81%.") {
		t.Errorf("system prompt missing prior report:\n%s", client.systems[0])
	}
}

func TestExecuteTask_BreakerTripsAndEscalates(t *testing.T) {
	client := &scriptedLLM{err: errors.New("api unavailable")}
	f := newTestScheduler(t, client)
	ctx := context.Background()
	createTask(t, f, "flaky_task", 2)

	// Failures below the threshold leave the task enabled.
	if err := f.sched.ExecuteTask(ctx, "flaky_task"); err != nil {
		t.Fatalf("ExecuteTask #1: %v", err)
	}
	tc, _ := f.tasks.Get(ctx, "flaky_task")
	if !tc.Enabled || tc.ConsecutiveFailures != 1 {
		t.Fatalf("after #1: enabled=%v failures=%d", tc.Enabled, tc.ConsecutiveFailures)
	}
	if open, _ := f.escalations.CountOpenForTask(ctx, "flaky_task"); open != 0 {
		t.Fatalf("escalation raised before breaker tripped")
	}

	// The second failure reaches max_retries: disable + escalate, both
	// before ExecuteTask returns.
	if err := f.sched.ExecuteTask(ctx, "flaky_task"); err != nil {
		t.Fatalf("ExecuteTask #2: %v", err)
	}
	tc, _ = f.tasks.Get(ctx, "flaky_task")
	if tc.Enabled {
		t.Error("task still enabled after breaker tripped")
	}
	if tc.LastRunStatus != taskconfig.StatusError {
		t.Errorf("LastRunStatus = %q, want error", tc.LastRunStatus)
	}
	if tc.LastError != "model call (round 1): api unavailable" {
		t.Errorf("LastError = %q", tc.LastError)
	}

	escs, err := f.escalations.ListOpen(ctx, 10)
	if err != nil || len(escs) != 1 {
		t.Fatalf("open escalations = %d (%v), want 1", len(escs), err)
	}
	if escs[0].Severity != escalation.SeverityCritical {
		t.Errorf("escalation severity = %q, want critical", escs[0].Severity)
	}
	if escs[0].SourceTask != "flaky_task" {
		t.Errorf("escalation source = %q", escs[0].SourceTask)
	}
	if !strings.Contains(escs[0].Description, "api unavailable") {
		t.Errorf("escalation missing last error: %q", escs[0].Description)
	}
}

func TestExecuteTask_SkipsWhenBreakerOpen(t *testing.T) {
	client := &scriptedLLM{err: errors.New("down")}
	f := newTestScheduler(t, client)
	ctx := context.Background()
	createTask(t, f, "flaky_task", 1)

	if err := f.sched.ExecuteTask(ctx, "flaky_task"); err != nil {
		t.Fatalf("ExecuteTask #1: %v", err)
	}
	calls := client.calls

	// The timer firing again while tripped records a skip, no model call.
	if err := f.sched.ExecuteTask(ctx, "flaky_task"); err != nil {
		t.Fatalf("ExecuteTask #2: %v", err)
	}
	if client.calls != calls {
		t.Errorf("model called while breaker open")
	}
	tc, _ := f.tasks.Get(ctx, "flaky_task")
	if tc.LastRunStatus != taskconfig.StatusSkipped {
		t.Errorf("LastRunStatus = %q, want skipped", tc.LastRunStatus)
	}
}

func TestExecuteTask_TripTwiceRaisesOneEscalation(t *testing.T) {
	client := &scriptedLLM{err: errors.New("down")}
	f := newTestScheduler(t, client)
	ctx := context.Background()
	createTask(t, f, "flaky_task", 1)

	if err := f.sched.ExecuteTask(ctx, "flaky_task"); err != nil {
		t.Fatalf("ExecuteTask #1: %v", err)
	}

	// Operator re-enables without fixing the cause; the next failure
	// trips again but the open escalation is not duplicated.
	enabled := true
	if err := f.tasks.Update(ctx, "flaky_task", taskconfig.Update{Enabled: &enabled}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := f.sched.ExecuteTask(ctx, "flaky_task"); err != nil {
		t.Fatalf("ExecuteTask #2: %v", err)
	}

	escs, _ := f.escalations.ListOpen(ctx, 10)
	if len(escs) != 1 {
		t.Errorf("open escalations = %d, want 1", len(escs))
	}
}

func TestReload_RegistersAndDeregisters(t *testing.T) {
	f := newTestScheduler(t, &scriptedLLM{answer: "ok"})
	ctx := context.Background()
	createTask(t, f, "task_a", 3)
	createTask(t, f, "task_b", 3)

	if err := f.sched.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := len(f.sched.Registered()); got != 2 {
		t.Fatalf("registered = %d, want 2", got)
	}

	disabled := false
	if err := f.tasks.Update(ctx, "task_b", taskconfig.Update{Enabled: &disabled}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := f.sched.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	names := f.sched.Registered()
	if len(names) != 1 || names[0] != "task_a" {
		t.Errorf("registered = %v, want [task_a]", names)
	}
}

type recordingMailer struct {
	subjects []string
	bodies   []string
}

func (m *recordingMailer) Send(ctx context.Context, subject, body string) error {
	m.subjects = append(m.subjects, subject)
	m.bodies = append(m.bodies, body)
	return nil
}

func TestExecuteTask_DigestSpecialCase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "agent.db")
	settings, err := notify.NewSettingsStore(dbPath)
	if err != nil {
		t.Fatalf("NewSettingsStore: %v", err)
	}
	t.Cleanup(func() { settings.Close() })

	mailer := &recordingMailer{}
	dispatcher := notify.NewDispatcher(settings, mailer, nil, nil)

	client := &scriptedLLM{answer: "should not be called"}
	f := newFixture(t, client, dispatcher, settings, dbPath)
	ctx := context.Background()
	createTask(t, f, DigestTaskName, 3)

	// Queue one digest item through the normal cadence path (medium
	// severity escalations are digest-cadence).
	err = dispatcher.NotifyEscalation(ctx, escalation.Escalation{
		Title:    "slow queries",
		Severity: escalation.SeverityMedium,
	})
	if err != nil {
		t.Fatalf("NotifyEscalation: %v", err)
	}
	if len(mailer.subjects) != 0 {
		t.Fatalf("digest-cadence item sent immediately: %v", mailer.subjects)
	}

	if err := f.sched.ExecuteTask(ctx, DigestTaskName); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	if client.calls != 0 {
		t.Errorf("digest task called the model")
	}
	if len(mailer.subjects) != 1 || !strings.Contains(mailer.subjects[0], "Daily digest") {
		t.Fatalf("sent = %v, want one digest email", mailer.subjects)
	}
	if !strings.Contains(mailer.bodies[0], "slow queries") {
		t.Errorf("digest body missing queued item: %q", mailer.bodies[0])
	}

	tc, _ := f.tasks.Get(ctx, DigestTaskName)
	if tc.LastRunStatus != taskconfig.StatusSuccess {
		t.Errorf("LastRunStatus = %q, want success", tc.LastRunStatus)
	}
}

func TestExecuteTask_UnknownTask(t *testing.T) {
	f := newTestScheduler(t, &scriptedLLM{answer: "ok"})
	if err := f.sched.ExecuteTask(context.Background(), "ghost"); !errors.Is(err, taskconfig.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

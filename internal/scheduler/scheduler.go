// Package scheduler runs recurring tasks on cron timers. It owns no
// task state of its own: the taskconfig store is the source of truth,
// and Reconcile keeps the in-memory cron registry in sync with the
// enabled rows. Execution follows a fixed protocol around the
// conversation loop: breaker check, once-per-day dedup, prior-report
// context, run, then report/usage/notification writes.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wrenware/opsagent/internal/agent"
	"github.com/wrenware/opsagent/internal/config"
	"github.com/wrenware/opsagent/internal/escalation"
	"github.com/wrenware/opsagent/internal/events"
	"github.com/wrenware/opsagent/internal/llm"
	"github.com/wrenware/opsagent/internal/memory"
	"github.com/wrenware/opsagent/internal/notify"
	"github.com/wrenware/opsagent/internal/prompts"
	"github.com/wrenware/opsagent/internal/queue"
	"github.com/wrenware/opsagent/internal/report"
	"github.com/wrenware/opsagent/internal/taskconfig"
	"github.com/wrenware/opsagent/internal/tools"
	"github.com/wrenware/opsagent/internal/usage"
)

// DigestTaskName is the reserved task name whose runs flush the
// notification digest instead of calling the model. Operators schedule
// it like any other task.
const DigestTaskName = "daily_digest_email"

// defaultReloadInterval is how often the registry is reconciled with
// the store when the config does not say otherwise.
const defaultReloadInterval = 5 * time.Minute

// Deps are the collaborators the scheduler needs. All fields except
// Dispatcher and Bus are required.
type Deps struct {
	Tasks       *taskconfig.Store
	Reports     *report.Store
	Escalations *escalation.Store
	Queue       *queue.Store
	Memory      *memory.Store
	Usage       *usage.Store

	Client   llm.Client
	Registry *tools.Registry

	// Dispatcher may be nil; notifications are then skipped.
	Dispatcher *notify.Dispatcher

	Models config.ModelsConfig

	// ReloadInterval overrides the periodic reconcile cadence.
	ReloadInterval time.Duration

	// Classify overrides the report severity classifier. Nil means
	// report.ClassifyKeywords.
	Classify report.Classifier

	Bus    *events.Bus
	Logger *slog.Logger
}

// Scheduler owns the cron registry and task execution.
type Scheduler struct {
	deps   Deps
	logger *slog.Logger

	cron *cron.Cron

	mu sync.Mutex
	// entries maps task name to its cron entry, schedules remembers the
	// expression each entry was registered with so Reconcile can detect
	// schedule changes.
	entries   map[string]cron.EntryID
	schedules map[string]string
	// inflight guards against a task's timer firing while a previous
	// run of the same task is still executing.
	inflight map[string]bool

	// now is stubbed in tests.
	now func() time.Time
}

// New creates a scheduler. Call Start to begin firing timers.
func New(deps Deps) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Classify == nil {
		deps.Classify = report.ClassifyKeywords
	}
	if deps.ReloadInterval <= 0 {
		deps.ReloadInterval = defaultReloadInterval
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		deps:      deps,
		logger:    logger.With("component", "scheduler"),
		cron:      cron.New(cron.WithParser(parser)),
		entries:   make(map[string]cron.EntryID),
		schedules: make(map[string]string),
		inflight:  make(map[string]bool),
		now:       time.Now,
	}
}

// SetRegistry attaches the tool registry after construction. The
// registry holds the scheduler (for reload-on-write) and the scheduler
// holds the registry (for task runs), so one side is wired late.
func (s *Scheduler) SetRegistry(r *tools.Registry) {
	s.deps.Registry = r
}

// Start reconciles once, starts the timers, and reconciles again every
// ReloadInterval until ctx is cancelled. It blocks; run it in a
// goroutine or an errgroup.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return fmt.Errorf("initial task load: %w", err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "tasks", len(s.entries))

	ticker := time.NewTicker(s.deps.ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Stop prevents new firings; the returned context closes
			// when in-flight jobs drain.
			<-s.cron.Stop().Done()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil {
				s.logger.Error("periodic reload failed", "error", err)
			}
		}
	}
}

// Reload reconciles the cron registry with the enabled tasks in the
// store. It is the tools.Reloader implementation, called synchronously
// after task-config writes so schedule changes take effect immediately.
func (s *Scheduler) Reload(ctx context.Context) error {
	tasks, err := s.deps.Tasks.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("list enabled tasks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	enabled := make(map[string]string, len(tasks))
	for _, tc := range tasks {
		enabled[tc.TaskName] = tc.CronSchedule
	}

	// Deregister tasks gone from the enabled set.
	for name, id := range s.entries {
		if _, ok := enabled[name]; !ok {
			s.cron.Remove(id)
			delete(s.entries, name)
			delete(s.schedules, name)
			s.logger.Info("task deregistered", "task", name)
		}
	}

	// Register new tasks and re-register changed schedules.
	for name, schedule := range enabled {
		if prev, ok := s.schedules[name]; ok {
			if prev == schedule {
				continue
			}
			s.cron.Remove(s.entries[name])
			delete(s.entries, name)
			delete(s.schedules, name)
		}

		taskName := name
		id, err := s.cron.AddFunc(schedule, func() {
			s.fire(taskName)
		})
		if err != nil {
			// The store validates on write, so this only happens for
			// rows written outside the API. Skip, keep the rest.
			s.logger.Error("invalid cron schedule, task skipped",
				"task", name, "schedule", schedule, "error", err)
			continue
		}
		s.entries[name] = id
		s.schedules[name] = schedule
		s.logger.Info("task registered", "task", name, "schedule", schedule)
	}

	return nil
}

// fire is the cron callback: it guards against overlapping runs of the
// same task and executes with a background context so a run survives
// reconcile churn.
func (s *Scheduler) fire(name string) {
	s.mu.Lock()
	if s.inflight[name] {
		s.mu.Unlock()
		s.logger.Warn("previous run still in flight, skipping", "task", name)
		return
	}
	s.inflight[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, name)
		s.mu.Unlock()
	}()

	if err := s.ExecuteTask(context.Background(), name); err != nil {
		s.logger.Error("task run failed", "task", name, "error", err)
	}
}

// ExecuteTask runs one task now, regardless of its schedule. The
// returned error covers infrastructure problems (store reads); task
// execution failures are recorded on the task row and do not propagate.
func (s *Scheduler) ExecuteTask(ctx context.Context, name string) error {
	start := s.now()
	logger := s.logger.With("task", name)

	tc, err := s.deps.Tasks.Get(ctx, name)
	if err != nil {
		return err
	}

	s.publish(events.KindTaskFired, map[string]any{"task_name": name})

	if name == DigestTaskName {
		return s.runDigest(ctx, logger, start)
	}

	// Breaker check: a tripped task that still fires records a skip so
	// the operator can see the timer went off.
	if tc.ConsecutiveFailures >= tc.MaxRetries {
		logger.Warn("breaker open, skipping run",
			"failures", tc.ConsecutiveFailures, "max_retries", tc.MaxRetries)
		if err := s.deps.Tasks.RecordSkipped(ctx, name); err != nil {
			return err
		}
		s.publish(events.KindTaskSkipped, map[string]any{
			"task_name": name, "reason": "breaker_open",
		})
		return nil
	}

	// Once-per-day dedup. No status update: the skipped run is not a
	// run at all.
	exists, err := s.deps.Reports.ExistsOnDay(ctx, name, start)
	if err != nil {
		return err
	}
	if exists {
		logger.Debug("report already exists today, skipping")
		s.publish(events.KindTaskSkipped, map[string]any{
			"task_name": name, "reason": "already_reported",
		})
		return nil
	}

	outcome, runErr := s.runConversation(ctx, tc)
	if runErr != nil {
		s.recordFailure(ctx, logger, tc, runErr)
		s.publish(events.KindTaskComplete, map[string]any{
			"task_name":   name,
			"status":      taskconfig.StatusError,
			"duration_ms": s.now().Sub(start).Milliseconds(),
		})
		return nil
	}

	if err := s.recordSuccess(ctx, logger, tc, outcome); err != nil {
		return err
	}
	s.publish(events.KindTaskComplete, map[string]any{
		"task_name":   name,
		"status":      taskconfig.StatusSuccess,
		"duration_ms": s.now().Sub(start).Milliseconds(),
	})
	return nil
}

func (s *Scheduler) runDigest(ctx context.Context, logger *slog.Logger, start time.Time) error {
	var runErr error
	if s.deps.Dispatcher == nil {
		logger.Debug("no dispatcher configured, digest skipped")
	} else {
		runErr = s.deps.Dispatcher.SendDailyDigest(ctx)
	}

	status := taskconfig.StatusSuccess
	if runErr != nil {
		status = taskconfig.StatusError
		if err := s.deps.Tasks.RecordError(ctx, DigestTaskName, runErr.Error()); err != nil {
			return err
		}
	} else {
		if err := s.deps.Tasks.RecordSuccess(ctx, DigestTaskName); err != nil {
			return err
		}
	}

	s.publish(events.KindTaskComplete, map[string]any{
		"task_name":   DigestTaskName,
		"status":      status,
		"duration_ms": s.now().Sub(start).Milliseconds(),
	})
	return nil
}

// runConversation assembles the prompt context and runs the loop.
func (s *Scheduler) runConversation(ctx context.Context, tc *taskconfig.TaskConfig) (*agent.Outcome, error) {
	var persona []prompts.Fact
	if entries, err := s.deps.Memory.ListCategory(ctx, "persona"); err == nil {
		for _, e := range entries {
			persona = append(persona, prompts.Fact{Key: e.Key, Value: e.Value})
		}
	}

	var lastReport string
	if prev, err := s.deps.Reports.LatestForTask(ctx, tc.TaskName); err == nil && prev != nil {
		lastReport = prev.Content
	}

	pending := 0
	if items, err := s.deps.Queue.Pending(ctx, 50); err == nil {
		pending = len(items)
	}

	system := prompts.System(prompts.Params{
		Mode:            tools.ModeScheduled,
		Persona:         persona,
		TaskName:        tc.TaskName,
		TaskDescription: tc.Description,
		LastReport:      lastReport,
		PendingQueue:    pending,
		Now:             s.now(),
	})

	model := tc.Model
	if model == "" {
		model = s.deps.Models.Default
	}

	return agent.Run(tools.WithTaskName(ctx, tc.TaskName), agent.Params{
		Client:    s.deps.Client,
		Registry:  s.deps.Registry,
		Mode:      tools.ModeScheduled,
		Model:     model,
		System:    system,
		Messages:  []llm.Message{{Role: "user", Content: tc.PromptTemplate}},
		MaxRounds: s.deps.Models.MaxRounds,
		Bus:       s.deps.Bus,
		Logger:    s.logger,
	})
}

// recordSuccess persists the report, the usage row, the notification,
// and the task status, in that order. Notification failures are logged
// and swallowed; store failures propagate.
func (s *Scheduler) recordSuccess(ctx context.Context, logger *slog.Logger, tc *taskconfig.TaskConfig, out *agent.Outcome) error {
	cost := usage.ComputeCost(out.Model, out.InputTokens, out.OutputTokens, s.deps.Models)

	rep := report.Report{
		TaskName:     tc.TaskName,
		Content:      out.Answer,
		Summary:      report.Summarize(out.Answer, 500),
		Severity:     s.deps.Classify(out.Answer),
		ModelUsed:    out.Model,
		TokensIn:     out.InputTokens,
		TokensOut:    out.OutputTokens,
		CostEstimate: cost,
	}
	id, err := s.deps.Reports.Insert(ctx, rep)
	if err != nil {
		return fmt.Errorf("insert report for %q: %w", tc.TaskName, err)
	}
	rep.ID = id

	if err := s.deps.Usage.Record(ctx, usage.Record{
		Model:        out.Model,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
		CostUSD:      cost,
		Mode:         "scheduled",
		TaskName:     tc.TaskName,
	}); err != nil {
		logger.Error("usage record failed", "error", err)
	}

	if s.deps.Dispatcher != nil {
		if err := s.deps.Dispatcher.NotifyReport(ctx, rep); err != nil {
			logger.Warn("report notification failed", "error", err)
		}
	}

	if err := s.deps.Tasks.RecordSuccess(ctx, tc.TaskName); err != nil {
		return err
	}

	logger.Info("task run complete",
		"severity", rep.Severity,
		"rounds", out.Rounds,
		"tokens_in", out.InputTokens,
		"tokens_out", out.OutputTokens,
		"cost_usd", cost,
		"depth_limited", out.DepthLimited)
	return nil
}

// recordFailure updates the breaker and, when it trips, writes the
// critical escalation before returning. Notification failures are
// logged and swallowed.
func (s *Scheduler) recordFailure(ctx context.Context, logger *slog.Logger, tc *taskconfig.TaskConfig, runErr error) {
	logger.Error("task run error", "error", runErr)

	failures, tripped, err := s.deps.Tasks.RecordFailure(ctx, tc.TaskName, runErr.Error())
	if err != nil {
		logger.Error("failure record failed", "error", err)
		return
	}

	if s.deps.Dispatcher != nil {
		if err := s.deps.Dispatcher.NotifyTaskFailure(ctx, tc.TaskName, runErr.Error(), failures, tc.MaxRetries); err != nil {
			logger.Warn("failure notification failed", "error", err)
		}
	}

	if !tripped {
		return
	}

	logger.Error("breaker tripped, task disabled",
		"failures", failures, "max_retries", tc.MaxRetries)

	// One open escalation per tripped task is enough; a re-enabled task
	// that trips again while the first escalation is still open does
	// not add another.
	if open, err := s.deps.Escalations.CountOpenForTask(ctx, tc.TaskName); err == nil && open > 0 {
		logger.Debug("open escalation exists, not raising another")
	} else {
		esc := escalation.Escalation{
			Title:    fmt.Sprintf("Task %q disabled after %d consecutive failures", tc.TaskName, failures),
			Severity: escalation.SeverityCritical,
			Description: fmt.Sprintf(
				"Scheduled task `%s` failed %d time(s) in a row and has been disabled.\n\nLast error:\n\n```\n%s\n```\n\nRe-enable the task after fixing the cause.",
				tc.TaskName, failures, runErr.Error()),
			SourceTask: tc.TaskName,
		}
		id, err := s.deps.Escalations.Insert(ctx, esc)
		if err != nil {
			logger.Error("breaker escalation insert failed", "error", err)
		} else {
			esc.ID = id
			if s.deps.Dispatcher != nil {
				if err := s.deps.Dispatcher.NotifyEscalation(ctx, esc); err != nil {
					logger.Warn("escalation notification failed", "error", err)
				}
			}
		}
	}

	s.publish(events.KindBreakerTripped, map[string]any{
		"task_name":   tc.TaskName,
		"failures":    failures,
		"max_retries": tc.MaxRetries,
	})
}

func (s *Scheduler) publish(kind string, data map[string]any) {
	s.deps.Bus.Publish(events.Event{
		Source: events.SourceScheduler,
		Kind:   kind,
		Data:   data,
	})
}

// Registered returns the names currently registered with cron timers,
// for the health endpoint.
func (s *Scheduler) Registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

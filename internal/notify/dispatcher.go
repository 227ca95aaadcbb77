package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wrenware/opsagent/internal/escalation"
	"github.com/wrenware/opsagent/internal/events"
	"github.com/wrenware/opsagent/internal/report"
)

// Cadence is the delivery decision for one notification.
type Cadence string

const (
	CadenceImmediate Cadence = "immediate"
	CadenceDigest    Cadence = "digest"
	CadenceNone      Cadence = "none"
)

// Mailer delivers one message. Implemented by email.Sender; tests
// substitute a recorder.
type Mailer interface {
	Send(ctx context.Context, subject, body string) error
}

// Dispatcher applies the cadence rules and quiet hours, sending
// immediately or queueing for the digest. All public methods are
// best-effort: they log failures and return them for visibility, but
// callers are expected to discard the error.
type Dispatcher struct {
	settings *SettingsStore
	mailer   Mailer
	bus      *events.Bus
	logger   *slog.Logger

	// now is stubbed in tests to pin quiet-hours decisions.
	now func() time.Time
}

// NewDispatcher creates a dispatcher. mailer may be nil when email is
// unconfigured; every notification then degrades to a log line.
func NewDispatcher(settings *SettingsStore, mailer Mailer, bus *events.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		settings: settings,
		mailer:   mailer,
		bus:      bus,
		logger:   logger.With("component", "notify"),
		now:      time.Now,
	}
}

// escalationCadence maps escalation severity to cadence: configured
// immediate severities go straight out, everything else waits for the
// digest.
func escalationCadence(severity string, s Settings) Cadence {
	if s.Immediate(severity) {
		return CadenceImmediate
	}
	return CadenceDigest
}

// reportCadence maps report severity to cadence. Info reports are
// never worth an email; warnings and de-prioritized criticals batch
// into the digest.
func reportCadence(severity string, s Settings) Cadence {
	if severity == report.SeverityInfo {
		return CadenceNone
	}
	if s.Immediate(severity) {
		return CadenceImmediate
	}
	return CadenceDigest
}

// NotifyReport dispatches a completed task report.
func (d *Dispatcher) NotifyReport(ctx context.Context, r report.Report) error {
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(r.Severity), subjectFor(r.TaskName, "report"))
	body := r.Content
	if r.Summary != "" && r.Summary != r.Content {
		body = fmt.Sprintf("**Summary:** %s\n\n---\n\n%s", r.Summary, r.Content)
	}
	return d.dispatch(ctx, func(s Settings) Cadence { return reportCadence(r.Severity, s) }, subject, body)
}

// NotifyEscalation dispatches a new escalation.
func (d *Dispatcher) NotifyEscalation(ctx context.Context, e escalation.Escalation) error {
	subject := fmt.Sprintf("[ESCALATION/%s] %s", strings.ToUpper(e.Severity), e.Title)
	body := e.Description
	if e.SourceTask != "" {
		body = fmt.Sprintf("%s\n\nSource task: `%s`", body, e.SourceTask)
	}
	return d.dispatch(ctx, func(s Settings) Cadence { return escalationCadence(e.Severity, s) }, subject, body)
}

// NotifyTaskFailure dispatches a task run failure. Failures always go
// out immediately; the breaker escalation covers the terminal case.
func (d *Dispatcher) NotifyTaskFailure(ctx context.Context, taskName, errMsg string, retryCount, maxRetries int) error {
	subject := fmt.Sprintf("[TASK FAILED] %s (%d/%d)", taskName, retryCount, maxRetries)
	body := fmt.Sprintf("Task `%s` failed (attempt %d of %d):\n\n```\n%s\n```",
		taskName, retryCount, maxRetries, errMsg)
	return d.dispatch(ctx, func(Settings) Cadence { return CadenceImmediate }, subject, body)
}

// SendDailyDigest flushes queued digest items into one email. With an
// empty queue it sends nothing.
func (d *Dispatcher) SendDailyDigest(ctx context.Context) error {
	settings, err := d.settings.Get(ctx)
	if err != nil {
		d.logger.Error("settings read failed", "error", err)
		return err
	}
	if !settings.EmailEnabled || !settings.DigestEnabled {
		d.logger.Debug("digest disabled, skipping")
		return nil
	}

	items, err := d.settings.pendingDigest(ctx)
	if err != nil {
		d.logger.Error("digest read failed", "error", err)
		return err
	}
	if len(items) == 0 {
		d.logger.Debug("digest empty, nothing to send")
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Daily digest\n\n%d item(s) since the last digest.\n", len(items))
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", item.Subject, item.Body)
		ids = append(ids, item.ID)
	}

	subject := fmt.Sprintf("Daily digest: %d item(s)", len(items))
	if err := d.send(ctx, CadenceDigest, subject, b.String()); err != nil {
		return err
	}
	if err := d.settings.markDigestSent(ctx, ids); err != nil {
		d.logger.Error("digest mark-sent failed", "error", err)
		return err
	}

	d.bus.Publish(events.Event{
		Source: events.SourceNotify,
		Kind:   events.KindDigestSent,
		Data:   map[string]any{"items": len(items)},
	})
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, cadenceFor func(Settings) Cadence, subject, body string) error {
	settings, err := d.settings.Get(ctx)
	if err != nil {
		d.logger.Error("settings read failed", "error", err)
		return err
	}

	cadence := cadenceFor(settings)
	if cadence == CadenceNone {
		return nil
	}
	if !settings.EmailEnabled {
		d.logger.Debug("email disabled, dropping notification", "subject", subject)
		return nil
	}

	// Quiet hours downgrade immediate sends to the digest.
	if cadence == CadenceImmediate && settings.InQuietHours(d.now()) {
		d.logger.Debug("quiet hours, deferring to digest", "subject", subject)
		cadence = CadenceDigest
	}

	if cadence == CadenceDigest {
		if !settings.DigestEnabled {
			d.logger.Debug("digest disabled, dropping notification", "subject", subject)
			return nil
		}
		if err := d.settings.enqueueDigest(ctx, subject, body); err != nil {
			d.logger.Error("digest enqueue failed", "error", err, "subject", subject)
			return err
		}
		return nil
	}

	return d.send(ctx, CadenceImmediate, subject, body)
}

func (d *Dispatcher) send(ctx context.Context, cadence Cadence, subject, body string) error {
	if d.mailer == nil {
		d.logger.Info("no mailer configured, logging instead", "subject", subject)
		return nil
	}
	if err := d.mailer.Send(ctx, subject, body); err != nil {
		d.logger.Error("send failed", "error", err, "subject", subject)
		return err
	}
	d.bus.Publish(events.Event{
		Source: events.SourceNotify,
		Kind:   events.KindNotificationSent,
		Data:   map[string]any{"cadence": string(cadence), "subject": subject},
	})
	return nil
}

func subjectFor(taskName, kind string) string {
	if taskName == "" {
		return "ad-hoc " + kind
	}
	return taskName + " " + kind
}

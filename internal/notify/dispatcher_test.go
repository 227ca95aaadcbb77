package notify

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wrenware/opsagent/internal/escalation"
	"github.com/wrenware/opsagent/internal/events"
	"github.com/wrenware/opsagent/internal/report"
)

type recordingMailer struct {
	mu       sync.Mutex
	subjects []string
	bodies   []string
	fail     bool
}

func (m *recordingMailer) Send(ctx context.Context, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("smtp down")
	}
	m.subjects = append(m.subjects, subject)
	m.bodies = append(m.bodies, body)
	return nil
}

func (m *recordingMailer) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subjects...)
}

func testDispatcher(t *testing.T) (*Dispatcher, *recordingMailer, *SettingsStore) {
	t.Helper()
	store, err := NewSettingsStore(filepath.Join(t.TempDir(), "notify_test.db"))
	if err != nil {
		t.Fatalf("NewSettingsStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mailer := &recordingMailer{}
	d := NewDispatcher(store, mailer, nil, nil)
	// Pin "now" to midday UTC, outside the default quiet hours.
	d.now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}
	return d, mailer, store
}

func TestNotifyEscalation_CriticalSendsImmediately(t *testing.T) {
	d, mailer, _ := testDispatcher(t)
	ctx := context.Background()

	err := d.NotifyEscalation(ctx, escalation.Escalation{
		Title:      "Task disk_check disabled",
		Severity:   escalation.SeverityCritical,
		SourceTask: "disk_check",
	})
	if err != nil {
		t.Fatalf("NotifyEscalation: %v", err)
	}

	sent := mailer.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d mails, want 1", len(sent))
	}
	if !strings.Contains(sent[0], "ESCALATION/CRITICAL") {
		t.Errorf("subject = %q", sent[0])
	}
}

func TestNotifyEscalation_LowGoesToDigest(t *testing.T) {
	d, mailer, _ := testDispatcher(t)
	ctx := context.Background()

	if err := d.NotifyEscalation(ctx, escalation.Escalation{
		Title:    "minor cleanup suggestion",
		Severity: escalation.SeverityLow,
	}); err != nil {
		t.Fatalf("NotifyEscalation: %v", err)
	}

	if len(mailer.sent()) != 0 {
		t.Error("low-severity escalation should not send immediately")
	}

	// It shows up in the next digest.
	if err := d.SendDailyDigest(ctx); err != nil {
		t.Fatalf("SendDailyDigest: %v", err)
	}
	sent := mailer.sent()
	if len(sent) != 1 {
		t.Fatalf("digest sends = %d, want 1", len(sent))
	}
	if !strings.Contains(sent[0], "Daily digest") {
		t.Errorf("digest subject = %q", sent[0])
	}
}

func TestNotifyReport_Cadences(t *testing.T) {
	d, mailer, _ := testDispatcher(t)
	ctx := context.Background()

	// info → none.
	if err := d.NotifyReport(ctx, report.Report{Severity: report.SeverityInfo, Content: "fine"}); err != nil {
		t.Fatalf("NotifyReport info: %v", err)
	}
	if len(mailer.sent()) != 0 {
		t.Error("info report should not notify")
	}

	// critical → immediate.
	if err := d.NotifyReport(ctx, report.Report{
		TaskName: "daily_briefing",
		Severity: report.SeverityCritical,
		Content:  "critical condition found",
	}); err != nil {
		t.Fatalf("NotifyReport critical: %v", err)
	}
	if len(mailer.sent()) != 1 {
		t.Fatalf("critical report sends = %d, want 1", len(mailer.sent()))
	}

	// warning → digest only.
	if err := d.NotifyReport(ctx, report.Report{Severity: report.SeverityWarning, Content: "watch this"}); err != nil {
		t.Fatalf("NotifyReport warning: %v", err)
	}
	if len(mailer.sent()) != 1 {
		t.Error("warning report should defer to digest")
	}
}

func TestNotifyTaskFailure_Immediate(t *testing.T) {
	d, mailer, _ := testDispatcher(t)

	if err := d.NotifyTaskFailure(context.Background(), "daily_briefing", "model timeout", 2, 3); err != nil {
		t.Fatalf("NotifyTaskFailure: %v", err)
	}
	sent := mailer.sent()
	if len(sent) != 1 {
		t.Fatalf("sends = %d, want 1", len(sent))
	}
	if !strings.Contains(sent[0], "daily_briefing (2/3)") {
		t.Errorf("subject = %q", sent[0])
	}
}

func TestQuietHours_DowngradesToDigest(t *testing.T) {
	d, mailer, _ := testDispatcher(t)
	// Default quiet hours are 22:00 to 07:00 UTC.
	d.now = func() time.Time {
		return time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	}

	if err := d.NotifyTaskFailure(context.Background(), "daily_briefing", "boom", 1, 3); err != nil {
		t.Fatalf("NotifyTaskFailure: %v", err)
	}
	if len(mailer.sent()) != 0 {
		t.Error("quiet-hours notification should defer to digest")
	}

	if err := d.SendDailyDigest(context.Background()); err != nil {
		t.Fatalf("SendDailyDigest: %v", err)
	}
	if len(mailer.sent()) != 1 {
		t.Error("deferred notification missing from digest")
	}
}

func TestSendDailyDigest_EmptyQueueSendsNothing(t *testing.T) {
	d, mailer, _ := testDispatcher(t)
	if err := d.SendDailyDigest(context.Background()); err != nil {
		t.Fatalf("SendDailyDigest: %v", err)
	}
	if len(mailer.sent()) != 0 {
		t.Error("empty digest should not send")
	}
}

func TestSendDailyDigest_DoesNotResend(t *testing.T) {
	d, mailer, _ := testDispatcher(t)
	ctx := context.Background()

	if err := d.NotifyReport(ctx, report.Report{Severity: report.SeverityWarning, Content: "w"}); err != nil {
		t.Fatalf("NotifyReport: %v", err)
	}
	if err := d.SendDailyDigest(ctx); err != nil {
		t.Fatalf("SendDailyDigest: %v", err)
	}
	if err := d.SendDailyDigest(ctx); err != nil {
		t.Fatalf("SendDailyDigest second: %v", err)
	}
	if got := len(mailer.sent()); got != 1 {
		t.Errorf("digest sends = %d, want 1 (items must not resend)", got)
	}
}

func TestEmailDisabled_DropsEverything(t *testing.T) {
	d, mailer, store := testDispatcher(t)
	ctx := context.Background()

	if err := store.Update(ctx, Settings{EmailEnabled: false}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := d.NotifyTaskFailure(ctx, "t", "boom", 1, 3); err != nil {
		t.Fatalf("NotifyTaskFailure: %v", err)
	}
	if len(mailer.sent()) != 0 {
		t.Error("disabled email should drop notifications")
	}
}

func TestImmediateSeverities_Configurable(t *testing.T) {
	d, mailer, store := testDispatcher(t)
	ctx := context.Background()

	// Drop high from the immediate list; it defers to the digest.
	s, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	s.ImmediateSeverities = []string{"critical"}
	if err := store.Update(ctx, s); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := d.NotifyEscalation(ctx, escalation.Escalation{
		Title:    "replica lag climbing",
		Severity: escalation.SeverityHigh,
	}); err != nil {
		t.Fatalf("NotifyEscalation: %v", err)
	}
	if len(mailer.sent()) != 0 {
		t.Error("high severity should defer once removed from the immediate list")
	}

	if err := d.SendDailyDigest(ctx); err != nil {
		t.Fatalf("SendDailyDigest: %v", err)
	}
	sent := mailer.sent()
	if len(sent) != 1 {
		t.Fatalf("digest sends = %d, want 1", len(sent))
	}

	// Critical still goes straight out.
	if err := d.NotifyEscalation(ctx, escalation.Escalation{
		Title:    "primary down",
		Severity: escalation.SeverityCritical,
	}); err != nil {
		t.Fatalf("NotifyEscalation critical: %v", err)
	}
	if len(mailer.sent()) != 2 {
		t.Error("critical escalation should still send immediately")
	}
}

func TestDigestDisabled_DropsDigestTraffic(t *testing.T) {
	d, mailer, store := testDispatcher(t)
	ctx := context.Background()

	s, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	s.DigestEnabled = false
	if err := store.Update(ctx, s); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := d.NotifyReport(ctx, report.Report{Severity: report.SeverityWarning, Content: "watch this"}); err != nil {
		t.Fatalf("NotifyReport: %v", err)
	}
	if err := d.SendDailyDigest(ctx); err != nil {
		t.Fatalf("SendDailyDigest: %v", err)
	}
	if len(mailer.sent()) != 0 {
		t.Error("disabled digest should drop digest traffic entirely")
	}
}

func TestNotificationEvents_CarryCadence(t *testing.T) {
	store, err := NewSettingsStore(filepath.Join(t.TempDir(), "notify_test.db"))
	if err != nil {
		t.Fatalf("NewSettingsStore: %v", err)
	}
	defer store.Close()

	bus := events.New()
	mailer := &recordingMailer{}
	d := NewDispatcher(store, mailer, bus, nil)
	d.now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}
	ch := bus.Subscribe(16)
	ctx := context.Background()

	if err := d.NotifyTaskFailure(ctx, "t", "boom", 1, 3); err != nil {
		t.Fatalf("NotifyTaskFailure: %v", err)
	}
	if err := d.NotifyReport(ctx, report.Report{Severity: report.SeverityWarning, Content: "w"}); err != nil {
		t.Fatalf("NotifyReport: %v", err)
	}
	if err := d.SendDailyDigest(ctx); err != nil {
		t.Fatalf("SendDailyDigest: %v", err)
	}

	var cadences []string
drain:
	for {
		select {
		case e := <-ch:
			if e.Kind == events.KindNotificationSent {
				cadences = append(cadences, e.Data["cadence"].(string))
			}
		default:
			break drain
		}
	}
	if len(cadences) != 2 || cadences[0] != "immediate" || cadences[1] != "digest" {
		t.Errorf("cadences = %v, want [immediate digest]", cadences)
	}
}

func TestMailerFailure_Returned(t *testing.T) {
	d, mailer, _ := testDispatcher(t)
	mailer.fail = true

	err := d.NotifyTaskFailure(context.Background(), "t", "boom", 1, 3)
	if err == nil {
		t.Error("mailer failure should surface as an error for logging")
	}
}

func TestInQuietHours(t *testing.T) {
	s := Settings{QuietHoursStart: "22:00", QuietHoursEnd: "07:00"}

	tests := []struct {
		hour, min int
		want      bool
	}{
		{23, 0, true},
		{2, 30, true},
		{6, 59, true},
		{7, 0, false},
		{12, 0, false},
		{21, 59, false},
		{22, 0, true},
	}
	for _, tt := range tests {
		now := time.Date(2026, 3, 1, tt.hour, tt.min, 0, 0, time.UTC)
		if got := s.InQuietHours(now); got != tt.want {
			t.Errorf("InQuietHours(%02d:%02d) = %v, want %v", tt.hour, tt.min, got, tt.want)
		}
	}

	// Same-day window.
	day := Settings{QuietHoursStart: "09:00", QuietHoursEnd: "17:00"}
	if !day.InQuietHours(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Error("12:00 should be inside 09:00-17:00")
	}
	if day.InQuietHours(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)) {
		t.Error("18:00 should be outside 09:00-17:00")
	}

	// Unset window never matches.
	if (Settings{}).InQuietHours(time.Now()) {
		t.Error("unset quiet hours should never match")
	}
}

func TestSettingsStore_Defaults_And_Update(t *testing.T) {
	store, err := NewSettingsStore(filepath.Join(t.TempDir(), "notify_test.db"))
	if err != nil {
		t.Fatalf("NewSettingsStore: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	got, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.EmailEnabled || got.QuietHoursStart != "22:00" {
		t.Errorf("defaults = %+v", got)
	}
	if !got.DigestEnabled || got.DigestTime != "08:00" {
		t.Errorf("digest defaults = %+v", got)
	}
	if len(got.ImmediateSeverities) != 2 || !got.Immediate("critical") || !got.Immediate("high") {
		t.Errorf("ImmediateSeverities = %v", got.ImmediateSeverities)
	}

	if err := store.Update(ctx, Settings{
		EmailEnabled:        true,
		DigestEnabled:       true,
		DigestTime:          "06:45",
		QuietHoursStart:     "23:00",
		QuietHoursEnd:       "06:00",
		ImmediateSeverities: []string{"critical"},
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err = store.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.QuietHoursStart != "23:00" || got.QuietHoursEnd != "06:00" {
		t.Errorf("updated = %+v", got)
	}
	if got.DigestTime != "06:45" {
		t.Errorf("DigestTime = %q", got.DigestTime)
	}
	if len(got.ImmediateSeverities) != 1 || got.Immediate("high") {
		t.Errorf("ImmediateSeverities = %v", got.ImmediateSeverities)
	}

	if err := store.Update(ctx, Settings{QuietHoursStart: "25:00"}); err == nil {
		t.Error("Update with invalid quiet hours should fail")
	}
	if err := store.Update(ctx, Settings{DigestTime: "99:00"}); err == nil {
		t.Error("Update with invalid digest time should fail")
	}
}

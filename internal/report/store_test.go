package report

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "reports_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsert_And_LatestForTask(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now()
	first := Report{
		TaskName:  "daily_briefing",
		Content:   "All systems nominal.",
		Summary:   "All systems nominal.",
		Severity:  SeverityInfo,
		ModelUsed: "claude-sonnet-4-5-20250929",
		TokensIn:  1200,
		TokensOut: 300,
		CreatedAt: now.Add(-2 * time.Hour),
	}
	if _, err := s.Insert(ctx, first); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	second := first
	second.Content = "Disk usage climbing on db host."
	second.Severity = SeverityWarning
	second.CreatedAt = now.Add(-1 * time.Hour)
	if _, err := s.Insert(ctx, second); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	latest, err := s.LatestForTask(ctx, "daily_briefing")
	if err != nil {
		t.Fatalf("LatestForTask: %v", err)
	}
	if latest == nil {
		t.Fatal("LatestForTask returned nil")
	}
	if latest.Content != "Disk usage climbing on db host." {
		t.Errorf("latest Content = %q", latest.Content)
	}
	if latest.Severity != SeverityWarning {
		t.Errorf("latest Severity = %q", latest.Severity)
	}
}

func TestLatestForTask_NeverRun(t *testing.T) {
	s := testStore(t)
	r, err := s.LatestForTask(context.Background(), "never_ran")
	if err != nil {
		t.Fatalf("LatestForTask: %v", err)
	}
	if r != nil {
		t.Errorf("got %+v, want nil for task with no reports", r)
	}
}

func TestExistsOnDay(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now()
	if _, err := s.Insert(ctx, Report{
		TaskName:  "daily_briefing",
		Content:   "Morning report.",
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	exists, err := s.ExistsOnDay(ctx, "daily_briefing", now)
	if err != nil {
		t.Fatalf("ExistsOnDay: %v", err)
	}
	if !exists {
		t.Error("ExistsOnDay = false for same-day report")
	}

	// Different task, same day.
	exists, err = s.ExistsOnDay(ctx, "other_task", now)
	if err != nil {
		t.Fatalf("ExistsOnDay: %v", err)
	}
	if exists {
		t.Error("ExistsOnDay = true for a task with no reports")
	}

	// Same task, next day.
	exists, err = s.ExistsOnDay(ctx, "daily_briefing", now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ExistsOnDay: %v", err)
	}
	if exists {
		t.Error("ExistsOnDay = true the following day")
	}
}

func TestSearch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	reports := []Report{
		{TaskName: "daily_briefing", Content: "Database replication lag within bounds."},
		{TaskName: "daily_briefing", Content: "Certificate renewal completed."},
		{Content: "Ad-hoc note about replication failover drill.", Summary: "failover drill"},
	}
	for _, r := range reports {
		if _, err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	hits, err := s.Search(ctx, "replication", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("len(hits) = %d, want 2", len(hits))
	}

	none, err := s.Search(ctx, "kubernetes", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("len = %d, want 0", len(none))
	}
}

func TestAcknowledge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, Report{Content: "Needs a look."})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := s.Acknowledge(ctx, id); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	recent, err := s.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 || !recent[0].Acknowledged {
		t.Errorf("report not acknowledged: %+v", recent)
	}

	if err := s.Acknowledge(ctx, "missing-id"); err == nil {
		t.Error("Acknowledge of unknown ID should fail")
	}
}

func TestClassifyKeywords(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"critical_keyword", "CRITICAL: disk full on db01", SeverityCritical},
		{"urgent_keyword", "This needs urgent action", SeverityCritical},
		{"error_substring", "No errors were found today", SeverityCritical}, // fuzzy by design
		{"warning_keyword", "Warning: cert expires in 10 days", SeverityWarning},
		{"anomaly_keyword", "Detected a traffic anomaly overnight", SeverityWarning},
		{"plain_info", "Everything looks healthy.", SeverityInfo},
		{"empty", "", SeverityInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyKeywords(tt.content); got != tt.want {
				t.Errorf("ClassifyKeywords(%q) = %q, want %q", tt.content, got, tt.want)
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	content := "First sentence here. Second sentence follows. Third sentence should be cut."
	got := Summarize(content, 200)
	want := "First sentence here. Second sentence follows."
	if got != want {
		t.Errorf("Summarize = %q, want %q", got, want)
	}
}

func TestSummarize_Truncates(t *testing.T) {
	long := ""
	for i := 0; i < 50; i++ {
		long += "no sentence boundaries anywhere "
	}
	got := Summarize(long, 100)
	if len(got) > 100 {
		t.Errorf("len = %d, want <= 100", len(got))
	}
	if got[len(got)-3:] != "..." {
		t.Errorf("summary %q should end with ellipsis", got)
	}
}

func TestSummarize_TruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("disk füllstand über grenzwert ", 20)

	// Sweep a few cut points so at least one lands inside a multi-byte
	// rune.
	for maxLen := 96; maxLen <= 104; maxLen++ {
		got := Summarize(long, maxLen)
		if len(got) > maxLen {
			t.Errorf("maxLen %d: len = %d", maxLen, len(got))
		}
		if !utf8.ValidString(got) {
			t.Errorf("maxLen %d: summary %q contains a split rune", maxLen, got)
		}
		if got[len(got)-3:] != "..." {
			t.Errorf("maxLen %d: summary %q should end with ellipsis", maxLen, got)
		}
	}
}

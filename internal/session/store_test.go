package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sessions_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreate_And_Get(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, TypeChat, "You are the operations agent.", `{"pending_items":2}`)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sess, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.ConversationType != TypeChat {
		t.Errorf("ConversationType = %q", sess.ConversationType)
	}
	if sess.Status != StatusActive {
		t.Errorf("Status = %q, want active", sess.Status)
	}
	if sess.SystemPrompt == "" {
		t.Error("SystemPrompt empty")
	}
}

func TestCreate_VoiceStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, TypeVoice, "prompt", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sess, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.Status != StatusVoiceActive {
		t.Errorf("Status = %q, want voice_active", sess.Status)
	}
}

func TestAppend_And_Messages(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, TypeChat, "prompt", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.Append(ctx, id, Message{Role: "user", Content: "status?"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// A round appends the assistant turn and tool results together.
	if err := s.Append(ctx, id,
		Message{Role: "assistant", Content: "Checking."},
		Message{Role: "tool", Content: `{"success":true}`},
	); err != nil {
		t.Fatalf("Append round: %v", err)
	}

	msgs, err := s.Messages(ctx, id)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	roles := []string{"user", "assistant", "tool"}
	for i, role := range roles {
		if msgs[i].Role != role {
			t.Errorf("msgs[%d].Role = %q, want %q", i, msgs[i].Role, role)
		}
	}
}

func TestAppend_CompletedSessionRejected(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, TypeChat, "prompt", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Complete(ctx, id, "talked about backups"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	err = s.Append(ctx, id, Message{Role: "user", Content: "one more thing"})
	if !errors.Is(err, ErrCompleted) {
		t.Errorf("Append after Complete: err = %v, want ErrCompleted", err)
	}
}

func TestAppend_UnknownSession(t *testing.T) {
	s := testStore(t)
	err := s.Append(context.Background(), "missing", Message{Role: "user", Content: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestComplete_And_ListActive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, TypeChat, "p", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, TypeVoice, "p", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("len(active) = %d, want 2", len(active))
	}

	if err := s.Complete(ctx, first, "summary here"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	active, err = s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("len(active) = %d, want 1 after Complete", len(active))
	}

	sess, err := s.Get(ctx, first)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.Status != StatusCompleted || sess.Summary != "summary here" {
		t.Errorf("completed session = %+v", sess)
	}
}

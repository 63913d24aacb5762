package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"offsync/internal/action"
	"offsync/internal/log"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(t.TempDir(), log.NewNop())
	if err != nil {
		t.Fatalf("new store failed: %s", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testAction(id, userID string, status action.Status) action.Action {
	return action.Action{
		ID:         id,
		UserID:     userID,
		Type:       action.TypeMessage,
		Payload:    json.RawMessage(`{"text":"merhaba"}`),
		Status:     status,
		Timestamp:  time.Now(),
		MaxRetries: 3,
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := testAction("a0001", "user-1", action.StatusPending)
	a.RetryCount = 2
	a.Error = "timeout"
	a.NextRetryAt = time.Now().Add(time.Minute)
	if err := s.SaveAction(ctx, a); err != nil {
		t.Fatalf("save failed: %s", err)
	}

	loaded := s.Load(ctx, "user-1")
	if len(loaded) != 1 {
		t.Fatalf("expected 1 action, got %d", len(loaded))
	}
	got := loaded[0]
	if got.ID != a.ID || got.Type != a.Type || got.RetryCount != 2 || got.Error != "timeout" {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if string(got.Payload) != string(a.Payload) {
		t.Fatalf("payload mismatch: %s", got.Payload)
	}
	if got.NextRetryAt.IsZero() {
		t.Fatal("next_retry_at lost in roundtrip")
	}
}

func TestLoadOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Now()
	for i, id := range []string{"a0003", "a0001", "a0002"} {
		a := testAction(id, "user-1", action.StatusPending)
		a.Timestamp = base.Add(time.Duration(i) * time.Second)
		if err := s.SaveAction(ctx, a); err != nil {
			t.Fatalf("save failed: %s", err)
		}
	}

	loaded := s.Load(ctx, "user-1")
	if len(loaded) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(loaded))
	}
	// Enqueue order, not id order
	if loaded[0].ID != "a0003" || loaded[1].ID != "a0001" || loaded[2].ID != "a0002" {
		t.Fatalf("wrong order: %s %s %s", loaded[0].ID, loaded[1].ID, loaded[2].ID)
	}
}

func TestLoadNormalizesInterruptedActions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SaveAction(ctx, testAction("a0001", "user-1", action.StatusSyncing)); err != nil {
		t.Fatalf("save failed: %s", err)
	}

	loaded := s.Load(ctx, "user-1")
	if len(loaded) != 1 {
		t.Fatalf("expected 1 action, got %d", len(loaded))
	}
	if loaded[0].Status != action.StatusPending {
		t.Fatalf("interrupted action not reverted to pending, got %s", loaded[0].Status)
	}
}

func TestLoadScopedPerUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SaveAction(ctx, testAction("a0001", "user-1", action.StatusPending)); err != nil {
		t.Fatalf("save failed: %s", err)
	}
	if err := s.SaveAction(ctx, testAction("a0002", "user-2", action.StatusPending)); err != nil {
		t.Fatalf("save failed: %s", err)
	}

	if got := s.Load(ctx, "user-1"); len(got) != 1 || got[0].ID != "a0001" {
		t.Fatalf("user-1 queue leaked: %+v", got)
	}
	if got := s.Load(ctx, "user-2"); len(got) != 1 || got[0].ID != "a0002" {
		t.Fatalf("user-2 queue leaked: %+v", got)
	}
}

func TestDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"a0001", "a0002", "a0003"} {
		if err := s.SaveAction(ctx, testAction(id, "user-1", action.StatusPending)); err != nil {
			t.Fatalf("save failed: %s", err)
		}
	}

	if err := s.DeleteAction(ctx, "a0002"); err != nil {
		t.Fatalf("delete failed: %s", err)
	}
	if got := s.Load(ctx, "user-1"); len(got) != 2 {
		t.Fatalf("expected 2 actions after delete, got %d", len(got))
	}

	if err := s.DeleteAll(ctx, "user-1"); err != nil {
		t.Fatalf("clear failed: %s", err)
	}
	if got := s.Load(ctx, "user-1"); len(got) != 0 {
		t.Fatalf("expected empty queue after clear, got %d", len(got))
	}
}

func TestCorruptDatabaseRecreated(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "queue.db"), []byte("this is not a database"), 0o644); err != nil {
		t.Fatalf("write garbage failed: %s", err)
	}

	s, err := NewSQLiteStore(dir, log.NewNop())
	if err != nil {
		t.Fatalf("corrupt database should be recreated, got: %s", err)
	}
	defer s.Close()

	if got := s.Load(context.Background(), "user-1"); len(got) != 0 {
		t.Fatalf("expected empty queue from recreated store, got %d", len(got))
	}
	if err := s.SaveAction(context.Background(), testAction("a0001", "user-1", action.StatusPending)); err != nil {
		t.Fatalf("save to recreated store failed: %s", err)
	}
}

func TestMissingDatabaseStartsEmpty(t *testing.T) {
	s := newTestStore(t)
	if got := s.Load(context.Background(), "user-1"); len(got) != 0 {
		t.Fatalf("expected empty queue, got %d", len(got))
	}
}

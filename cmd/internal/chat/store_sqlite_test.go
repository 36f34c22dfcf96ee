package chat

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteStore_Conformance(t *testing.T) {
	t.Parallel()
	runStoreConformance(t, func(t *testing.T) Store {
		t.Helper()
		return mustOpenSQLite(t)
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "quad.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	c, err := s.ResolveOrCreateChat(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := s.AppendMessage(ctx, AppendInput{
		ChatID: c.ID, Sender: "alice", ClientMsgID: "cm-1", Text: "durable",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen: chat, message, and seq cursor must all be back.
	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()

	got, err := s2.GetChat(ctx, c.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.LastMessage == nil || got.LastMessage.Text != "durable" {
		t.Fatalf("projection lost across reopen: %+v", got.LastMessage)
	}

	res, err := s2.AppendMessage(ctx, AppendInput{
		ChatID: c.ID, Sender: "bob", ClientMsgID: "cm-2", Text: "still counting",
	})
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if res.Message.Seq != 2 {
		t.Fatalf("seq cursor lost across reopen: got %d want 2", res.Message.Seq)
	}
}

func TestNewSQLiteStore_EmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := NewSQLiteStore(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func mustOpenSQLite(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "quad.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

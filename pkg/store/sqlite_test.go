package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/freitascorp/agentrelayd/pkg/envelope"
	"github.com/freitascorp/agentrelayd/pkg/router"
)

func TestSQLiteStore_SaveAndUpdateStatus(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	rec := &router.MessageRecord{
		ID: "m1", TS: 100, From: "A", To: "B", Topic: "ops",
		Kind: envelope.PayloadMessage, Body: "hi", Data: map[string]any{"x": float64(1)},
		SessionID: "sess-1", Status: router.StatusUnread,
	}
	if err := s.SaveMessage(ctx, rec); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if err := s.UpdateMessageStatus(ctx, "m1", router.StatusAcked); err != nil {
		t.Fatalf("UpdateMessageStatus: %v", err)
	}

	var status string
	if err := s.db.QueryRow("SELECT status FROM messages WHERE id = ?", "m1").Scan(&status); err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != string(router.StatusAcked) {
		t.Fatalf("status = %q, want acked", status)
	}
}

func TestSQLiteStore_GetPendingMessagesForSession(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	must := func(rec *router.MessageRecord) {
		if err := s.SaveMessage(ctx, rec); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}
	must(&router.MessageRecord{ID: "m1", TS: 2, To: "B", Kind: envelope.PayloadMessage, SessionID: "sess-1", Status: router.StatusUnread})
	must(&router.MessageRecord{ID: "m2", TS: 1, To: "B", Kind: envelope.PayloadMessage, SessionID: "sess-1", Status: router.StatusUnread})
	must(&router.MessageRecord{ID: "m3", TS: 3, To: "B", Kind: envelope.PayloadMessage, SessionID: "sess-1", Status: router.StatusAcked})

	pending, err := s.GetPendingMessagesForSession(ctx, "B", "sess-1")
	if err != nil {
		t.Fatalf("GetPendingMessagesForSession: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("len(pending) = %d, want 2", len(pending))
	}
	if pending[0].ID != "m2" || pending[1].ID != "m1" {
		t.Fatalf("pending not ordered by ts: %+v", pending)
	}
}

func TestSQLiteStore_Persistence(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s1, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	rec := &router.MessageRecord{ID: "m1", TS: 1, To: "B", Kind: envelope.PayloadMessage, SessionID: "sess-1", Status: router.StatusUnread}
	if err := s1.SaveMessage(context.Background(), rec); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen NewSQLiteStore: %v", err)
	}
	defer s2.Close()
	pending, err := s2.GetPendingMessagesForSession(context.Background(), "B", "sess-1")
	if err != nil {
		t.Fatalf("GetPendingMessagesForSession: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("len(pending) = %d, want 1 after reopen", len(pending))
	}
}

package audit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func tempStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()
	return NewFileStore(dir)
}

func TestFileStore_AppendAndQuery(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	event := &Event{
		Type:   EventAgentRegister,
		Agent:  "alice",
		Action: "register",
		Result: &EventResult{Status: "success"},
	}
	if err := store.Append(ctx, event); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if event.ID == "" {
		t.Error("expected event.ID to be set")
	}
	if event.Timestamp.IsZero() {
		t.Error("expected event.Timestamp to be set")
	}

	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Agent != "alice" {
		t.Errorf("Agent = %q, want alice", events[0].Agent)
	}
}

func TestFileStore_QueryFilterByAgent(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{Agent: "alice", Type: EventAgentRegister, Action: "register"})
	store.Append(ctx, &Event{Agent: "bob", Type: EventAgentRegister, Action: "register"})
	store.Append(ctx, &Event{Agent: "alice", Type: EventChannelJoin, Action: "join"})

	events, err := store.Query(ctx, QueryOptions{Agent: "alice"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for alice, got %d", len(events))
	}
}

func TestFileStore_QueryFilterByType(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{Agent: "alice", Type: EventAgentRegister, Action: "register"})
	store.Append(ctx, &Event{Agent: "bob", Type: EventChannelJoin, Action: "join"})

	events, err := store.Query(ctx, QueryOptions{Type: EventChannelJoin})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 channel.join event, got %d", len(events))
	}
	if events[0].Agent != "bob" {
		t.Errorf("Agent = %q, want bob", events[0].Agent)
	}
}

func TestFileStore_QueryFilterBySince(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	oldEvent := &Event{Agent: "alice", Type: EventAgentRegister, Action: "old", Timestamp: time.Now().Add(-2 * time.Hour)}
	store.Append(ctx, oldEvent)
	store.Append(ctx, &Event{Agent: "alice", Type: EventAgentRegister, Action: "new"})

	events, err := store.Query(ctx, QueryOptions{Since: time.Now().Add(-1 * time.Hour)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 recent event, got %d", len(events))
	}
	if events[0].Action != "new" {
		t.Errorf("Action = %q, want new", events[0].Action)
	}
}

func TestFileStore_QueryLimit(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		store.Append(ctx, &Event{Agent: "alice", Type: EventAgentRegister, Action: "register"})
	}

	events, err := store.Query(ctx, QueryOptions{Limit: 3})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
}

func TestFileStore_Export(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{Agent: "alice", Type: EventAgentRegister, Action: "register"})
	store.Append(ctx, &Event{Agent: "bob", Type: EventChannelJoin, Action: "join"})

	events, err := store.Export(ctx, time.Now().Add(-1*time.Hour))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestFileStore_EmptyLog(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query empty: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected 0 events, got %d", len(events))
	}
}

func TestFileStore_ConcurrentAppend(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	n := 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			store.Append(ctx, &Event{
				Agent:  "concurrent",
				Type:   EventAgentRegister,
				Action: "register",
			})
		}(i)
	}
	wg.Wait()

	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != n {
		t.Fatalf("expected %d events, got %d", n, len(events))
	}
}

func TestFileStore_MalformedLines(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	ctx := context.Background()

	store.Append(ctx, &Event{Agent: "alice", Type: EventAgentRegister, Action: "register"})

	f, _ := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	f.Write([]byte("not-valid-json\n"))
	f.Close()

	store.Append(ctx, &Event{Agent: "bob", Type: EventChannelJoin, Action: "join"})

	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 valid events (skipping malformed), got %d", len(events))
	}
}

func TestLogger_LogAgentRegister(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store)
	if err := logger.LogAgentRegister(ctx, "alice", map[string]any{"cli": "claude"}); err != nil {
		t.Fatalf("LogAgentRegister: %v", err)
	}

	events, _ := store.Query(ctx, QueryOptions{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventAgentRegister {
		t.Errorf("Type = %q, want agent.register", events[0].Type)
	}
	if events[0].Agent != "alice" {
		t.Errorf("Agent = %q, want alice", events[0].Agent)
	}
}

func TestLogger_LogChannelMembership(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store)
	if err := logger.LogChannelMembership(ctx, "alice", "ops", true); err != nil {
		t.Fatalf("LogChannelMembership: %v", err)
	}
	if err := logger.LogChannelMembership(ctx, "alice", "ops", false); err != nil {
		t.Fatalf("LogChannelMembership: %v", err)
	}

	events, _ := store.Query(ctx, QueryOptions{})
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventChannelJoin {
		t.Errorf("Type = %q, want channel.join", events[0].Type)
	}
	if events[1].Type != EventChannelLeave {
		t.Errorf("Type = %q, want channel.leave", events[1].Type)
	}
}

func TestLogger_LogCrossMachineForward(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store)
	if err := logger.LogCrossMachineForward(ctx, "alice", "bob", "daemon-2", true); err != nil {
		t.Fatalf("LogCrossMachineForward: %v", err)
	}

	events, _ := store.Query(ctx, QueryOptions{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventCrossMachine {
		t.Errorf("Type = %q, want bridge.forward", events[0].Type)
	}
	if events[0].Result.Status != "success" {
		t.Errorf("Result.Status = %q, want success", events[0].Result.Status)
	}
}

func TestLogger_LogBridgePeer(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store)
	if err := logger.LogBridgePeer(ctx, "daemon-2", true); err != nil {
		t.Fatalf("LogBridgePeer: %v", err)
	}

	events, _ := store.Query(ctx, QueryOptions{})
	if events[0].Type != EventBridgePeerUp {
		t.Errorf("Type = %q, want bridge.peer_up", events[0].Type)
	}
}

func TestFileStore_QueryFilterByUntil(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{Agent: "alice", Type: EventAgentRegister, Action: "old", Timestamp: time.Now().Add(-2 * time.Hour)})
	store.Append(ctx, &Event{Agent: "alice", Type: EventAgentRegister, Action: "new"})

	events, err := store.Query(ctx, QueryOptions{Until: time.Now().Add(-1 * time.Hour)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 old event, got %d", len(events))
	}
	if events[0].Action != "old" {
		t.Errorf("Action = %q, want old", events[0].Action)
	}
}

func TestFileStore_CustomID(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	event := &Event{ID: "custom-123", Agent: "alice", Type: EventAgentRegister, Action: "register"}
	store.Append(ctx, event)

	events, _ := store.Query(ctx, QueryOptions{})
	if events[0].ID != "custom-123" {
		t.Errorf("ID = %q, want custom-123", events[0].ID)
	}
}

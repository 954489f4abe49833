package registry

import (
	"context"
	"testing"
	"time"

	"github.com/freitascorp/agentrelayd/pkg/router"
)

func TestRegisterOrUpdate_TracksFirstAndLastSeen(t *testing.T) {
	reg := New(nil)
	ctx := context.Background()

	reg.RegisterOrUpdate(ctx, "alice", router.ConnectionMetadata{Program: "cli", CLI: "v1"})
	info, ok := reg.Get("alice")
	if !ok {
		t.Fatalf("alice not found after registration")
	}
	if info.Metadata.Program != "cli" {
		t.Fatalf("metadata not stored: %+v", info.Metadata)
	}
	first := info.FirstSeen

	reg.RegisterOrUpdate(ctx, "alice", router.ConnectionMetadata{Program: "cli2"})
	info, _ = reg.Get("alice")
	if info.FirstSeen != first {
		t.Fatalf("FirstSeen changed on update: got %v, want %v", info.FirstSeen, first)
	}
	if info.Metadata.Program != "cli2" {
		t.Fatalf("metadata not overwritten: %+v", info.Metadata)
	}
}

func TestRecordSendAndReceive(t *testing.T) {
	reg := New(nil)
	ctx := context.Background()

	reg.RecordSend(ctx, "bob")
	reg.RecordSend(ctx, "bob")
	reg.RecordReceive(ctx, "bob")

	info, ok := reg.Get("bob")
	if !ok {
		t.Fatalf("bob not found")
	}
	if info.SendCount != 2 || info.ReceiveCount != 1 {
		t.Fatalf("counters = %+v, want send=2 receive=1", info)
	}
}

func TestAddWatcher_NotifiedOnUpdate(t *testing.T) {
	reg := New(nil)
	var got []Info
	reg.AddWatcher(watcherFunc(func(info Info) { got = append(got, info) }))

	reg.RegisterOrUpdate(context.Background(), "carol", router.ConnectionMetadata{})
	if len(got) != 1 || got[0].Name != "carol" {
		t.Fatalf("watcher not notified correctly: %+v", got)
	}
}

func TestPrune_RemovesStaleAgents(t *testing.T) {
	reg := New(nil)
	now := time.Now()
	reg.nowFn = func() time.Time { return now }
	reg.RegisterOrUpdate(context.Background(), "stale", router.ConnectionMetadata{})

	reg.nowFn = func() time.Time { return now.Add(time.Hour) }
	reg.RegisterOrUpdate(context.Background(), "fresh", router.ConnectionMetadata{})

	removed := reg.Prune(now.Add(30 * time.Minute))
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := reg.Get("stale"); ok {
		t.Fatalf("stale agent still present")
	}
	if _, ok := reg.Get("fresh"); !ok {
		t.Fatalf("fresh agent incorrectly pruned")
	}
}

type watcherFunc func(Info)

func (f watcherFunc) OnAgentUpdated(info Info) { f(info) }

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/freitascorp/agentrelayd/pkg/resilience"
	"github.com/freitascorp/agentrelayd/pkg/router"
)

// fakeStore is a minimal router.Store whose SaveMessage/UpdateMessageStatus
// can be made to fail on demand, for exercising CircuitBreakerStore without
// a real backend.
type fakeStore struct {
	saveCalls int
	failSave  bool
}

func (f *fakeStore) SaveMessage(ctx context.Context, rec *router.MessageRecord) error {
	f.saveCalls++
	if f.failSave {
		return errors.New("backend unavailable")
	}
	return nil
}

func (f *fakeStore) UpdateMessageStatus(ctx context.Context, id string, status router.MessageStatus) error {
	return nil
}

func TestCircuitBreakerStore_PassesThroughWhenHealthy(t *testing.T) {
	inner := &fakeStore{}
	s := NewCircuitBreakerStore(inner, nil)

	if err := s.SaveMessage(context.Background(), &router.MessageRecord{ID: "m1"}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if inner.saveCalls != 1 {
		t.Fatalf("saveCalls = %d, want 1", inner.saveCalls)
	}
}

func TestCircuitBreakerStore_OpensAfterMaxFailures(t *testing.T) {
	inner := &fakeStore{failSave: true}
	s := NewCircuitBreakerStore(inner, nil)

	for i := 0; i < 5; i++ {
		_ = s.SaveMessage(context.Background(), &router.MessageRecord{ID: "m1"})
	}
	if s.State() != resilience.CircuitOpen {
		t.Fatalf("breaker state = %v, want open", s.State())
	}

	callsBeforeOpen := inner.saveCalls
	if err := s.SaveMessage(context.Background(), &router.MessageRecord{ID: "m1"}); err == nil {
		t.Fatal("expected circuit-open error")
	}
	if inner.saveCalls != callsBeforeOpen {
		t.Fatalf("inner called while circuit open: saveCalls went from %d to %d", callsBeforeOpen, inner.saveCalls)
	}
}

func TestCircuitBreakerStore_ReplayAndPruneUnsupported(t *testing.T) {
	s := NewCircuitBreakerStore(&fakeStore{}, nil)

	if _, err := s.GetPendingMessagesForSession(context.Background(), "A", "sess-1"); err == nil {
		t.Fatal("expected unsupported error for replay on a store without it")
	}
	if _, err := s.PruneMessages(context.Background(), time.Now()); err == nil {
		t.Fatal("expected unsupported error for pruning on a store without it")
	}
}

func TestCircuitBreakerStore_ReplayAndPrunePassThrough(t *testing.T) {
	inner := NewMemoryStore()
	s := NewCircuitBreakerStore(inner, nil)

	rec := &router.MessageRecord{ID: "m1", To: "B", SessionID: "sess-1", Status: router.StatusUnread}
	if err := s.SaveMessage(context.Background(), rec); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	pending, err := s.GetPendingMessagesForSession(context.Background(), "B", "sess-1")
	if err != nil {
		t.Fatalf("GetPendingMessagesForSession: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "m1" {
		t.Fatalf("pending = %+v, want one record m1", pending)
	}

	if _, err := s.PruneMessages(context.Background(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("PruneMessages: %v", err)
	}
}

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/freitascorp/agentrelayd/pkg/resilience"
	"github.com/freitascorp/agentrelayd/pkg/router"
)

// CircuitBreakerStore wraps a router.Store so a misbehaving backend
// (a wedged SQLite file lock, a Postgres outage) trips open instead of
// piling up goroutines against a backend that keeps timing out — every
// SaveMessage/UpdateMessageStatus call already runs in its own
// fire-and-forget goroutine (see pkg/router/pending.go), so without this
// a stuck backend leaks one goroutine per delivery forever.
type CircuitBreakerStore struct {
	inner  router.Store
	cb     *resilience.CircuitBreaker
	logger *slog.Logger
}

var _ router.Store = (*CircuitBreakerStore)(nil)

// NewCircuitBreakerStore wraps inner with a circuit breaker guarding its
// write path. Read-side optional capabilities (SessionReplayStore,
// Pruner) pass straight through when inner implements them.
func NewCircuitBreakerStore(inner router.Store, logger *slog.Logger) *CircuitBreakerStore {
	if logger == nil {
		logger = slog.Default()
	}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "store",
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			logger.Warn("store circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	})
	return &CircuitBreakerStore{inner: inner, cb: cb, logger: logger}
}

// SaveMessage runs inner.SaveMessage through the circuit breaker. An open
// circuit fails fast: the caller (persistAsync) already only logs the
// error, so this degrades persistence without blocking delivery.
func (s *CircuitBreakerStore) SaveMessage(ctx context.Context, rec *router.MessageRecord) error {
	return s.cb.Execute(func() error { return s.inner.SaveMessage(ctx, rec) })
}

// UpdateMessageStatus runs inner.UpdateMessageStatus through the same
// circuit breaker as SaveMessage — both are the router's write path to
// the same backend, so they share failure accounting.
func (s *CircuitBreakerStore) UpdateMessageStatus(ctx context.Context, id string, status router.MessageStatus) error {
	return s.cb.Execute(func() error { return s.inner.UpdateMessageStatus(ctx, id, status) })
}

// State reports the breaker's current state, for the dashboard/metrics
// layer to surface.
func (s *CircuitBreakerStore) State() resilience.CircuitState { return s.cb.State() }

// GetPendingMessagesForSession passes through to inner when it supports
// replay. Not run through the breaker: it's a synchronous call made once
// per connection registration (see pkg/router/replay.go), not a
// fire-and-forget write the router needs protected from pile-up.
func (s *CircuitBreakerStore) GetPendingMessagesForSession(ctx context.Context, agentName, sessionID string) ([]*router.MessageRecord, error) {
	rs, ok := s.inner.(router.SessionReplayStore)
	if !ok {
		return nil, fmt.Errorf("store: %T does not support session replay", s.inner)
	}
	return rs.GetPendingMessagesForSession(ctx, agentName, sessionID)
}

// PruneMessages passes through to inner when it supports pruning.
func (s *CircuitBreakerStore) PruneMessages(ctx context.Context, olderThan time.Time) (int64, error) {
	p, ok := s.inner.(Pruner)
	if !ok {
		return 0, fmt.Errorf("store: %T does not support pruning", s.inner)
	}
	return p.PruneMessages(ctx, olderThan)
}

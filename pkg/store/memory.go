// Package store provides router.Store implementations: an in-memory
// backend for tests and single-shot runs, and durable SQLite/Postgres
// backends for daemons that need delivery records to survive a restart.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/freitascorp/agentrelayd/pkg/router"
)

// Pruner is an optional Store capability: backends that retain
// terminal-status records can implement it so pkg/maintenance can sweep
// them on a schedule instead of growing the table forever.
type Pruner interface {
	PruneMessages(ctx context.Context, olderThan time.Time) (int64, error)
}

// MemoryStore is a process-local, non-durable router.Store. It also
// implements router.SessionReplayStore so resume-on-reconnect works
// without a real database.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]*router.MessageRecord
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*router.MessageRecord)}
}

var (
	_ router.Store             = (*MemoryStore)(nil)
	_ router.SessionReplayStore = (*MemoryStore)(nil)
	_ Pruner                    = (*MemoryStore)(nil)
)

func (s *MemoryStore) SaveMessage(ctx context.Context, rec *router.MessageRecord) error {
	cp := *rec
	s.mu.Lock()
	s.recs[rec.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpdateMessageStatus(ctx context.Context, id string, status router.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.recs[id]; ok {
		rec.Status = status
	}
	return nil
}

// GetPendingMessagesForSession returns every record addressed to
// agentName on sessionID whose status is still unread.
// Insertion order isn't tracked here, so records come back ordered by TS.
func (s *MemoryStore) GetPendingMessagesForSession(ctx context.Context, agentName, sessionID string) ([]*router.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*router.MessageRecord
	for _, rec := range s.recs {
		if rec.To != agentName || rec.SessionID != sessionID {
			continue
		}
		if rec.Status != router.StatusUnread {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sortByTS(out)
	return out, nil
}

// PruneMessages deletes terminal-status records (acked or failed)
// older than olderThan. Unread records are never pruned regardless of
// age — a record still awaiting delivery isn't stale, it's pending.
func (s *MemoryStore) PruneMessages(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := olderThan.UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.recs {
		if rec.Status == router.StatusUnread {
			continue
		}
		if rec.TS > cutoff {
			continue
		}
		delete(s.recs, id)
		n++
	}
	return n, nil
}

func sortByTS(recs []*router.MessageRecord) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j-1].TS > recs[j].TS; j-- {
			recs[j-1], recs[j] = recs[j], recs[j-1]
		}
	}
}

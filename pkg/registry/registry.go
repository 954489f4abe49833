// Package registry implements router.AgentRegistry: a process-local
// roster of every agent name ever seen, their last-reported connection
// metadata, and cumulative send/receive counters. It carries no routing
// authority of its own — the router's own tables decide delivery; this
// is purely the informational side used by the dashboard and CLI.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/freitascorp/agentrelayd/pkg/router"
)

// Info is one agent's registry-tracked state.
type Info struct {
	Name         string
	Metadata     router.ConnectionMetadata
	FirstSeen    time.Time
	LastSeen     time.Time
	SendCount    uint64
	ReceiveCount uint64
}

// Watcher receives registry lifecycle events, the way a dashboard
// subscribes to roster changes.
type Watcher interface {
	OnAgentUpdated(info Info)
}

// Registry is an in-memory router.AgentRegistry.
type Registry struct {
	logger *slog.Logger
	nowFn  func() time.Time

	mu       sync.RWMutex
	agents   map[string]*Info
	watchers []Watcher
}

var _ router.AgentRegistry = (*Registry)(nil)

// New constructs an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		nowFn:  time.Now,
		agents: make(map[string]*Info),
	}
}

// AddWatcher registers a roster-change listener.
func (r *Registry) AddWatcher(w Watcher) {
	r.mu.Lock()
	r.watchers = append(r.watchers, w)
	r.mu.Unlock()
}

func (r *Registry) RegisterOrUpdate(ctx context.Context, name string, meta router.ConnectionMetadata) {
	now := r.nowFn()

	r.mu.Lock()
	info, exists := r.agents[name]
	if !exists {
		info = &Info{Name: name, FirstSeen: now}
		r.agents[name] = info
	}
	info.Metadata = meta
	info.LastSeen = now
	snapshot := *info
	watchers := append([]Watcher(nil), r.watchers...)
	r.mu.Unlock()

	if !exists {
		r.logger.Info("agent registered", "agent", name, "program", meta.Program, "cli", meta.CLI)
	}
	for _, w := range watchers {
		w.OnAgentUpdated(snapshot)
	}
}

func (r *Registry) RecordSend(ctx context.Context, name string) {
	r.mu.Lock()
	info, exists := r.agents[name]
	if !exists {
		info = &Info{Name: name, FirstSeen: r.nowFn()}
		r.agents[name] = info
	}
	info.SendCount++
	info.LastSeen = r.nowFn()
	r.mu.Unlock()
}

func (r *Registry) RecordReceive(ctx context.Context, name string) {
	r.mu.Lock()
	info, exists := r.agents[name]
	if !exists {
		info = &Info{Name: name, FirstSeen: r.nowFn()}
		r.agents[name] = info
	}
	info.ReceiveCount++
	info.LastSeen = r.nowFn()
	r.mu.Unlock()
}

// Get returns the tracked info for name, if any.
func (r *Registry) Get(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.agents[name]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// List returns every tracked agent's info, unordered.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.agents))
	for _, info := range r.agents {
		out = append(out, *info)
	}
	return out
}

// Prune drops agents whose LastSeen is older than cutoff, returning how
// many were removed. Called periodically by the maintenance job.
func (r *Registry) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for name, info := range r.agents {
		if info.LastSeen.Before(cutoff) {
			delete(r.agents, name)
			removed++
		}
	}
	return removed
}

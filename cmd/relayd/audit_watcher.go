package main

import (
	"context"
	"log/slog"

	"github.com/freitascorp/agentrelayd/pkg/audit"
	"github.com/freitascorp/agentrelayd/pkg/registry"
)

// auditWatcher bridges registry roster-change notifications into the
// audit log, so every agent's first registration lands an immutable
// record without the registry itself needing to know audit exists.
type auditWatcher struct {
	logger *audit.Logger
	slog   *slog.Logger
	seen   map[string]bool
}

func newAuditWatcher(store audit.Store, slogger *slog.Logger) *auditWatcher {
	return &auditWatcher{logger: audit.NewLogger(store), slog: slogger, seen: make(map[string]bool)}
}

func (w *auditWatcher) OnAgentUpdated(info registry.Info) {
	if w.seen[info.Name] {
		return
	}
	w.seen[info.Name] = true
	if err := w.logger.LogAgentRegister(context.Background(), info.Name, map[string]any{
		"program": info.Metadata.Program, "cli": info.Metadata.CLI,
	}); err != nil {
		w.slog.Warn("failed to write audit event", "agent", info.Name, "error", err)
	}
}

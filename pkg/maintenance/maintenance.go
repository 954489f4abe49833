// Package maintenance runs the daemon's periodic upkeep: pruning stale
// registry entries and expired message records on a cron schedule. A
// cron expression ("prune nightly at 03:00") is what an operator
// actually wants to configure, so the sweep is driven by gronx rather
// than a raw ticker loop.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/freitascorp/agentrelayd/pkg/registry"
	"github.com/freitascorp/agentrelayd/pkg/store"
)

// Config controls what gets pruned and how often.
type Config struct {
	// Expr is a standard 5-field cron expression, e.g. "0 3 * * *".
	Expr string

	// AgentStaleAfter removes registry entries not seen in this long.
	AgentStaleAfter time.Duration

	// MessageRetention removes terminal-status message records older
	// than this.
	MessageRetention time.Duration
}

// DefaultConfig prunes nightly, drops agents unseen for 30 days, and
// keeps terminal message records for 7 days.
func DefaultConfig() Config {
	return Config{
		Expr:             "0 3 * * *",
		AgentStaleAfter:  30 * 24 * time.Hour,
		MessageRetention: 7 * 24 * time.Hour,
	}
}

// Sweeper periodically prunes the agent registry and, when the
// configured store supports it, terminal message records.
type Sweeper struct {
	cfg    Config
	reg    *registry.Registry
	pruner store.Pruner // nil if the store doesn't support pruning (e.g. in-memory one-shot runs)
	logger *slog.Logger

	gron gronx.Gronx
}

// NewSweeper builds a Sweeper. pruner may be nil.
func NewSweeper(cfg Config, reg *registry.Registry, pruner store.Pruner, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{cfg: cfg, reg: reg, pruner: pruner, logger: logger, gron: *gronx.New()}
}

// Run blocks, checking the cron schedule once a minute and firing a
// sweep whenever the expression matches, until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			due, err := s.gron.IsDue(s.cfg.Expr, now)
			if err != nil {
				s.logger.Error("invalid maintenance cron expression", "expr", s.cfg.Expr, "error", err)
				continue
			}
			if due {
				s.sweep(ctx, now)
			}
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context, now time.Time) {
	pruned := s.reg.Prune(now.Add(-s.cfg.AgentStaleAfter))
	s.logger.Info("pruned stale registry entries", "count", pruned)

	if s.pruner == nil {
		return
	}
	n, err := s.pruner.PruneMessages(ctx, now.Add(-s.cfg.MessageRetention))
	if err != nil {
		s.logger.Error("failed to prune message records", "error", err)
		return
	}
	s.logger.Info("pruned terminal message records", "count", n)
}

// Package mutation applies optimistic cache updates ahead of a server
// round trip and rolls them back when the round trip fails.
package mutation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/energyflow/fleetwatch/internal/cache"
	"github.com/energyflow/fleetwatch/internal/metrics"
)

// Caller runs a function on the event loop and waits for it.
type Caller interface {
	Call(ctx context.Context, fn func()) error
}

// Mutation describes one optimistic write.
type Mutation struct {
	// Name is used in logs.
	Name string
	// Keys are snapshotted before Apply and restored on failure. Apply must
	// not write outside them.
	Keys []cache.Key
	// Apply performs the optimistic update. It runs on the loop.
	Apply func(c *cache.Cache)
	// Commit sends the mutation to the server. It runs off the loop.
	Commit func(ctx context.Context) error
	// Settled runs on the loop after a successful commit.
	Settled func(c *cache.Cache)
}

// Coordinator runs mutations against one cache.
type Coordinator struct {
	cache   *cache.Cache
	loop    Caller
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a coordinator.
func New(c *cache.Cache, lp Caller, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cache:   c,
		loop:    lp,
		logger:  logger.With("component", "mutation"),
		metrics: m,
	}
}

// Run applies m optimistically, commits it, and restores every key in
// m.Keys if the commit fails. If ctx ends before Apply gets to run, neither
// Apply nor Commit happens. Run must not be called from the loop.
func (co *Coordinator) Run(ctx context.Context, m Mutation) error {
	var snap cache.Snapshot
	err := co.loop.Call(ctx, func() {
		snap = co.cache.Snapshot(m.Keys...)
		if m.Apply != nil {
			m.Apply(co.cache)
		}
	})
	if err != nil {
		return fmt.Errorf("apply %s: %w", m.Name, err)
	}

	commitErr := m.Commit(ctx)
	if commitErr == nil {
		if m.Settled != nil {
			if err := co.loop.Call(context.WithoutCancel(ctx), func() { m.Settled(co.cache) }); err != nil {
				co.logger.Debug("settle skipped", "mutation", m.Name, "error", err)
			}
		}
		return nil
	}

	// Rolling back must not depend on the caller still waiting.
	if err := co.loop.Call(context.WithoutCancel(ctx), func() { co.cache.Restore(snap) }); err != nil {
		co.logger.Error("rollback failed", "mutation", m.Name, "error", err)
	}
	co.metrics.Rollback()
	co.logger.Warn("optimistic update rolled back", "mutation", m.Name, "keys", len(m.Keys), "error", commitErr)
	return fmt.Errorf("%s: %w", m.Name, commitErr)
}

// Package gate enforces the process-wide ceiling on concurrently running
// job workers. The acquiring context is the single dispatch goroutine
// shared with all other upstream traffic, so acquisition at capacity
// yields cooperatively on a fixed interval instead of blocking.
package gate

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is the re-check cadence while waiting at capacity.
const DefaultPollInterval = 500 * time.Millisecond

// Gate tracks in-flight workers against a configurable ceiling.
// A limit of zero means unlimited.
type Gate struct {
	limit    int64
	active   atomic.Int64
	interval time.Duration
}

// New builds a gate with the given ceiling and re-check interval.
// interval <= 0 falls back to DefaultPollInterval.
func New(limit int, interval time.Duration) *Gate {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Gate{limit: int64(limit), interval: interval}
}

// TryAcquire claims a slot if capacity allows, without waiting.
func (g *Gate) TryAcquire() bool {
	if g.limit <= 0 {
		g.active.Add(1)
		return true
	}
	for {
		cur := g.active.Load()
		if cur >= g.limit {
			return false
		}
		if g.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Acquire claims a slot, re-checking on the configured interval while at
// capacity. Returns ctx.Err() if the context ends first.
func (g *Gate) Acquire(ctx context.Context) error {
	if g.TryAcquire() {
		return nil
	}
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if g.TryAcquire() {
				return nil
			}
		}
	}
}

// Release returns a slot. It must run exactly once per acquired slot;
// callers defer it immediately after a successful Acquire so panic paths
// still release.
func (g *Gate) Release() {
	if g.active.Add(-1) < 0 {
		// Unbalanced release is a programming error; clamp rather than
		// let the counter go negative and wedge the ceiling.
		g.active.Store(0)
	}
}

// InFlight reports the current number of held slots.
func (g *Gate) InFlight() int {
	return int(g.active.Load())
}

// Limit reports the configured ceiling (0 = unlimited).
func (g *Gate) Limit() int {
	return int(g.limit)
}

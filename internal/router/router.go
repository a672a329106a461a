// Package router is the top-level entry point for decoded job payloads:
// it validates the envelope, evaluates the target for the supervisor's own
// identity and for every supervised sub-minion, and fans matches out to
// job workers under the concurrency gate. Routing itself never blocks on
// worker completion.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/flotilla-sh/flotilla/internal/fleet"
	"github.com/flotilla-sh/flotilla/internal/gate"
	"github.com/flotilla-sh/flotilla/internal/jobworker"
	"github.com/flotilla-sh/flotilla/internal/metrics"
	"github.com/flotilla-sh/flotilla/internal/procdir"
	"github.com/flotilla-sh/flotilla/internal/target"
	"github.com/flotilla-sh/flotilla/pkg/types"
)

var log = slog.Default()

// Router fans one decoded payload out to the matching agents.
type Router struct {
	Top      *jobworker.Agent
	FleetIDs []string
	Restrict []string
	Registry *fleet.Registry
	Matcher  target.Matcher
	Gate     *gate.Gate
	Worker   *jobworker.Worker
	Metrics  *metrics.Collector

	wg sync.WaitGroup
}

// RouteRaw decodes a payload and routes it. Undecodable payloads are
// dropped silently, mirroring upstream pre-filtering.
func (r *Router) RouteRaw(ctx context.Context, data []byte) {
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		log.Debug("Dropping undecodable payload", "error", err)
		return
	}
	r.Route(ctx, &job)
}

// Route validates the job and dispatches one worker per matching agent.
// Runs on the dispatch goroutine: the only suspension point is the
// concurrency gate, which yields cooperatively while at capacity.
func (r *Router) Route(ctx context.Context, job *types.Job) {
	if err := job.Validate(); err != nil {
		log.Debug("Dropping malformed job", "error", err)
		return
	}
	if r.Metrics != nil {
		r.Metrics.RecordRouted()
	}

	delim := job.DelimiterOrDefault()

	if r.Top != nil && r.Matcher.Match(job.Target, job.TargetType, delim, r.Top.Context()) {
		r.dispatch(ctx, job, r.Top)
	}

	for _, id := range r.fleetTargets() {
		sm, ok := r.Registry.Get(id)
		if !ok {
			log.Warn("Sub-minion not in registry, skipping",
				"minion", id, "jid", job.JID)
			continue
		}
		ac := sm.Context()
		if !r.Matcher.Match(job.Target, job.TargetType, delim, ac) {
			continue
		}
		r.dispatch(ctx, job, agentView(sm))
	}
}

// fleetTargets lists the device ids this payload may address: the
// configured fleet, optionally narrowed to an explicit restrict subset.
func (r *Router) fleetTargets() []string {
	if len(r.Restrict) == 0 {
		return r.FleetIDs
	}
	allowed := make(map[string]struct{}, len(r.Restrict))
	for _, id := range r.Restrict {
		allowed[id] = struct{}{}
	}
	var out []string
	for _, id := range r.FleetIDs {
		if _, ok := allowed[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// dispatch claims a gate slot (suspending the dispatch loop while at
// capacity) and spawns the worker. The slot is released exactly once when
// the worker terminates, panic included.
func (r *Router) dispatch(ctx context.Context, job *types.Job, agent *jobworker.Agent) {
	minionID := agent.Context().MinionID
	if err := r.Gate.Acquire(ctx); err != nil {
		log.Warn("Dispatch aborted while waiting for capacity",
			"jid", job.JID, "minion", minionID, "error", err)
		return
	}
	if r.Metrics != nil {
		r.Metrics.RecordDispatch()
		r.Metrics.SetWorkersInFlight(r.Gate.InFlight())
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.Gate.Release()
			if r.Metrics != nil {
				r.Metrics.SetWorkersInFlight(r.Gate.InFlight())
			}
			if rec := recover(); rec != nil {
				log.Error("Job worker panicked",
					"jid", job.JID, "minion", minionID, "panic", rec)
			}
		}()
		r.Worker.Run(ctx, job, agent)
	}()
}

// Wait blocks until all in-flight workers finish or the grace period
// expires; reports whether everything drained.
func (r *Router) Wait(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

// agentView projects a fleet record into the worker's agent shape.
func agentView(sm *fleet.SubMinion) *jobworker.Agent {
	ac := sm.Context()
	return &jobworker.Agent{
		Ctx:       ac,
		Tables:    sm.Tables,
		Dedup:     sm.Dedup,
		Publisher: sm.Publisher,
		Conn:      sm.Conn,
		Proc:      procdir.New(ac.Opts.CacheDir),
	}
}

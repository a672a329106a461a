// Package jobworker runs one job against one agent identity: in-flight
// marker, dedup, executor resolution, blackout check, the executor chain,
// result normalization, and the hand-off to the return publisher. A worker
// converts every expected failure into a failed result; it never crashes
// the dispatcher.
package jobworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flotilla-sh/flotilla/internal/blackout"
	"github.com/flotilla-sh/flotilla/internal/config"
	"github.com/flotilla-sh/flotilla/internal/dedup"
	"github.com/flotilla-sh/flotilla/internal/executor"
	"github.com/flotilla-sh/flotilla/internal/loader"
	"github.com/flotilla-sh/flotilla/internal/metrics"
	"github.com/flotilla-sh/flotilla/internal/procdir"
	"github.com/flotilla-sh/flotilla/internal/returner"
	"github.com/flotilla-sh/flotilla/internal/transport"
	"github.com/flotilla-sh/flotilla/pkg/types"
)

var log = slog.Default()

// Agent is the worker's view of one agent identity: the top-level agent or
// a sub-minion record. The worker holds it only for the duration of one
// job.
type Agent struct {
	Ctx       *config.AgentContext
	Tables    *loader.Tables
	Dedup     *dedup.Window
	Publisher *returner.Publisher
	Conn      transport.Transport
	Proc      *procdir.Dir

	// ctxMu guards Ctx replacement on pillar refresh; workers snapshot the
	// pointer once per job via Context.
	ctxMu sync.RWMutex
}

// Context snapshots the agent's current context. Every read of a
// long-lived agent goes through here; pillar refresh may swap the pointer
// from another goroutine at any time.
func (a *Agent) Context() *config.AgentContext {
	a.ctxMu.RLock()
	defer a.ctxMu.RUnlock()
	return a.Ctx
}

// ReplaceContext swaps in a refreshed context. In-flight jobs keep the
// snapshot they took at job start.
func (a *Agent) ReplaceContext(ac *config.AgentContext) {
	a.ctxMu.Lock()
	a.Ctx = ac
	a.ctxMu.Unlock()
}

// Worker executes jobs. Stateless; one instance serves all agents.
type Worker struct {
	Metrics *metrics.Collector
}

// Run executes the full pipeline for one (job, agent) pair and publishes
// the result. Returns nil when the job was dropped by the agent's dedup
// window; dropped jobs are indistinguishable from network loss by design.
func (w *Worker) Run(ctx context.Context, job *types.Job, agent *Agent) *types.ExecutionResult {
	ac := agent.Context()
	if agent.Dedup != nil && !agent.Dedup.Admit(job.JID) {
		log.Info("Duplicate job dropped", "jid", job.JID, "minion", ac.MinionID)
		if w.Metrics != nil {
			w.Metrics.RecordDeduped()
		}
		return nil
	}

	start := time.Now()

	// The marker goes down before any real work so external tooling can
	// observe the running job. Removal is a housekeeping concern, not ours.
	if agent.Proc != nil {
		marker := procdir.Marker{
			JID:      job.JID,
			MinionID: ac.MinionID,
			Fun:      job.Funs[0],
			User:     job.User,
		}
		if err := agent.Proc.Write(marker); err != nil {
			log.Warn("Failed to write proc marker",
				"jid", job.JID, "minion", ac.MinionID, "error", err)
		}
	}

	ret := w.execute(ctx, job, agent, ac)

	if w.Metrics != nil {
		w.Metrics.RecordCompleted(ret.Success, time.Since(start).Seconds())
	}
	if agent.Publisher != nil {
		agent.Publisher.Publish(ctx, ret, job)
	}
	return &ret
}

// execute runs every function of the job and aggregates the outcome. ac is
// the context snapshot taken at job start; the whole job sees one
// consistent view even if a refresh lands mid-flight.
func (w *Worker) execute(ctx context.Context, job *types.Job, agent *Agent, ac *config.AgentContext) types.ExecutionResult {
	chain := executor.ResolveChain(job.Executors, ac.Opts.Executors, ac.Opts.SudoUser)

	if !job.Multi {
		entry := w.runOne(ctx, job, agent, ac, chain, job.Funs[0], job.Args[0])
		return types.ExecutionResult{
			JID:      job.JID,
			MinionID: ac.MinionID,
			Fun:      job.Funs[0],
			FunArgs:  job.Args[0],
			Return:   entry.value,
			Retcode:  entry.retcode,
			Success:  entry.success,
			Metadata: job.Metadata,
			MasterID: job.MasterID,
		}
	}

	// Multi-function jobs: each function gets its own entry; a failure in
	// one never aborts the others.
	entries := make([]entry, len(job.Funs))
	for i, fun := range job.Funs {
		entries[i] = w.runOne(ctx, job, agent, ac, chain, fun, job.Args[i])
	}

	overallRet := 0
	overallOK := true
	for _, e := range entries {
		if !e.success {
			overallOK = false
		}
		if overallRet == 0 && e.retcode != 0 {
			overallRet = e.retcode
		}
	}

	var aggregate any
	if job.Ordered {
		list := make([]any, len(entries))
		for i, e := range entries {
			list[i] = e.wire()
		}
		aggregate = list
	} else {
		keyed := make(map[string]any, len(entries))
		for i, e := range entries {
			keyed[job.Funs[i]] = e.wire()
		}
		aggregate = keyed
	}

	return types.ExecutionResult{
		JID:      job.JID,
		MinionID: ac.MinionID,
		Fun:      strings.Join(job.Funs, ","),
		FunArgs:  flattenArgs(job.Args),
		Return:   aggregate,
		Retcode:  overallRet,
		Success:  overallOK,
		Metadata: job.Metadata,
		MasterID: job.MasterID,
	}
}

// entry is the outcome of one function within a job.
type entry struct {
	value   any
	retcode int
	success bool
}

func (e entry) wire() map[string]any {
	return map[string]any{
		"return":  e.value,
		"retcode": e.retcode,
		"success": e.success,
	}
}

// runOne resolves, authorizes, and executes a single function through the
// chain, converting the closed error taxonomy into a failed entry.
func (w *Worker) runOne(ctx context.Context, job *types.Job, agent *Agent, ac *config.AgentContext, chain []string, fun string, args []any) entry {
	fn, found := agent.Tables.Funcs[fun]
	if !found && !executor.AnyAllowsMissing(agent.Tables.Executors, chain) {
		nf := &types.NotFoundError{
			Fun:       fun,
			Suggest:   agent.Tables.Suggest(fun),
			LoadError: agent.Tables.LoadError(fun),
		}
		log.Warn("Function not found", "jid", job.JID, "minion", ac.MinionID, "fun", fun)
		return entry{value: nf.Error(), retcode: 254, success: false}
	}

	if err := blackout.Check(fun, ac.Pillar, ac.Grains); err != nil {
		log.Warn("Function refused by blackout",
			"jid", job.JID, "minion", ac.MinionID, "fun", fun)
		if w.Metrics != nil {
			w.Metrics.RecordBlackout()
		}
		return entry{value: err.Error(), retcode: 1, success: false}
	}

	req := executor.Request{
		Job:        job,
		MinionID:   ac.MinionID,
		Fun:        fun,
		Args:       args,
		SudoUser:   ac.Opts.SudoUser,
		FunMissing: !found,
	}
	req.Call = func(callCtx context.Context) (any, error) {
		if fn == nil {
			return nil, types.NewJobError(types.KindInvalidInvocation,
				"%q is not loaded and the executor chain did not supply it", fun)
		}
		return fn(callCtx, ac, args)
	}

	out, err := executor.Run(ctx, agent.Tables.Executors, chain, req)
	if err != nil {
		return w.classify(job, ac, fun, err)
	}

	value := out.Value
	if ch, ok := value.(<-chan any); ok {
		value = w.drain(ctx, job, agent, ac, fun, ch)
	} else if ch, ok := value.(chan any); ok {
		value = w.drain(ctx, job, agent, ac, fun, ch)
	}

	retcode, success := normalize(value, out.Retcode)
	return entry{value: value, retcode: retcode, success: success}
}

// classify converts an execution error into a failed entry per the closed
// taxonomy. Only the unclassified category gets a detailed log line.
func (w *Worker) classify(job *types.Job, ac *config.AgentContext, fun string, err error) entry {
	kind := types.ClassifyError(err)
	msg := err.Error()

	var be *types.BlackoutError
	if errors.As(err, &be) {
		return entry{value: msg, retcode: 1, success: false}
	}

	switch kind {
	case types.KindCommandNotFound:
		log.Warn("Required command missing", "jid", job.JID, "minion", ac.MinionID, "fun", fun)
		return entry{value: msg, retcode: 127, success: false}
	case types.KindArgumentMismatch:
		log.Warn("Bad arguments", "jid", job.JID, "minion", ac.MinionID, "fun", fun)
		return entry{value: fmt.Sprintf("Passed invalid arguments: %s", msg), retcode: 1, success: false}
	case types.KindInvalidInvocation, types.KindExecutionFailed:
		log.Warn("Job execution failed", "jid", job.JID, "minion", ac.MinionID, "fun", fun)
		return entry{value: msg, retcode: 1, success: false}
	default:
		log.Warn("Unclassified job failure",
			"jid", job.JID, "minion", ac.MinionID, "fun", fun, "detail", msg)
		return entry{value: fmt.Sprintf("Unhandled error running %s: %s", fun, msg), retcode: 1, success: false}
	}
}

// drain eagerly consumes a lazily produced sequence, firing one progress
// event per element in strict production order before folding everything
// into the final aggregate: map elements merge by key update, anything
// else turns the aggregate into a list.
func (w *Worker) drain(ctx context.Context, job *types.Job, agent *Agent, ac *config.AgentContext, fun string, ch <-chan any) any {
	mapAcc := map[string]any{}
	var listAcc []any
	listMode := false

	idx := 0
	for elem := range ch {
		if agent.Conn != nil {
			event := types.Event{
				Tag: fmt.Sprintf("job/%s/prog/%s/%d", job.JID, ac.MinionID, idx),
				Data: map[string]any{
					"return": elem,
					"fun":    fun,
				},
			}
			if err := agent.Conn.Publish(ctx, event); err != nil {
				log.Warn("Progress event publish failed",
					"jid", job.JID, "minion", ac.MinionID, "index", idx, "error", err)
			}
		}

		if m, ok := elem.(map[string]any); ok && !listMode {
			for k, v := range m {
				mapAcc[k] = v
			}
		} else {
			if !listMode {
				listMode = true
				if len(mapAcc) > 0 {
					listAcc = append(listAcc, mapAcc)
				}
			}
			listAcc = append(listAcc, elem)
		}
		idx++
	}

	if listMode {
		return listAcc
	}
	return mapAcc
}

// normalize folds an execution value into retcode/success: an explicit
// non-zero retcode recorded during execution wins; a map-like value with
// result/success keys must have both truthy; anything else is a success.
func normalize(value any, explicit int) (int, bool) {
	if explicit != 0 {
		return explicit, false
	}
	if m, ok := value.(map[string]any); ok {
		result, hasResult := m["result"]
		succ, hasSuccess := m["success"]
		if hasResult || hasSuccess {
			good := true
			if hasResult {
				good = good && truthy(result)
			}
			if hasSuccess {
				good = good && truthy(succ)
			}
			if !good {
				return 1, false
			}
		}
	}
	return 0, true
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

func flattenArgs(args [][]any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}

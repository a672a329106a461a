// Package executor implements the ordered chain of named wrappers around
// raw function invocation. Executors are tried in configured order; each
// may produce a terminal value or defer to the next. If the chain runs out
// with nothing terminal, the last entry's output is final anyway.
package executor

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/flotilla-sh/flotilla/pkg/types"
)

// TargetFunc is the bound function call an executor wraps: the worker has
// already resolved the function and closed over the agent context and
// arguments.
type TargetFunc func(ctx context.Context) (any, error)

// Request carries one function invocation through the chain.
type Request struct {
	Job      *types.Job
	MinionID string
	Fun      string
	Args     []any
	SudoUser string
	Call     TargetFunc
	// FunMissing is set when Fun was absent from the function table and an
	// executor claimed it anyway via AllowMissingFunc.
	FunMissing bool
}

// Outcome is one executor's verdict. Terminal stops the chain; a deferred
// outcome passes control to the next entry, but its value still wins if it
// was the chain's last.
type Outcome struct {
	Value    any
	Terminal bool
	Retcode  int
}

// Executor is a named execution wrapper.
type Executor interface {
	Name() string
	// AllowMissingFunc reports whether this executor can service a function
	// absent from the agent's function table.
	AllowMissingFunc() bool
	Execute(ctx context.Context, req Request) (Outcome, error)
}

// ============================================================================
// Chain
// ============================================================================

// ResolveChain picks the executor names for a job: the job's explicit
// override, else the agent's configured default, else the builtin direct
// call. A configured sudo user forces the sudo executor to be last.
func ResolveChain(jobExecutors, defaultExecutors []string, sudoUser string) []string {
	chain := jobExecutors
	if len(chain) == 0 {
		chain = defaultExecutors
	}
	if len(chain) == 0 {
		chain = []string{"direct_call"}
	}

	out := make([]string, 0, len(chain)+1)
	out = append(out, chain...)
	if sudoUser != "" {
		// Strip any earlier occurrence, then pin sudo to the end.
		filtered := out[:0]
		for _, name := range out {
			if name != "sudo" {
				filtered = append(filtered, name)
			}
		}
		out = append(filtered, "sudo")
	}
	return out
}

// Run walks the chain in order against the registry. An unregistered name
// is an invocation error for the job. The returned value is the terminal
// outcome's, or the last executor's when nothing was terminal.
func Run(ctx context.Context, registry map[string]Executor, chain []string, req Request) (Outcome, error) {
	if len(chain) == 0 {
		return Outcome{}, types.NewJobError(types.KindInvalidInvocation,
			"empty executor chain")
	}

	var last Outcome
	for _, name := range chain {
		exec, ok := registry[name]
		if !ok {
			return Outcome{}, types.NewJobError(types.KindInvalidInvocation,
				"executor %q is not available", name)
		}
		out, err := exec.Execute(ctx, req)
		if err != nil {
			return Outcome{}, err
		}
		last = out
		if out.Terminal {
			return out, nil
		}
	}
	return last, nil
}

// AnyAllowsMissing reports whether any named executor in the chain accepts
// functions missing from the function table. Unknown names are skipped
// here; Run surfaces them as invocation errors.
func AnyAllowsMissing(registry map[string]Executor, chain []string) bool {
	for _, name := range chain {
		if exec, ok := registry[name]; ok && exec.AllowMissingFunc() {
			return true
		}
	}
	return false
}

// Builtins returns the executor registry shipped with the agent.
func Builtins() map[string]Executor {
	return map[string]Executor{
		"direct_call": DirectCall{},
		"sudo":        Sudo{},
		"splay":       Splay{},
	}
}

// ============================================================================
// Builtin executors
// ============================================================================

// DirectCall invokes the bound function and terminates the chain. A map
// result carrying a numeric "retcode" key has it lifted into the outcome,
// so modules can report an explicit exit status alongside their value.
type DirectCall struct{}

func (DirectCall) Name() string           { return "direct_call" }
func (DirectCall) AllowMissingFunc() bool { return false }

func (DirectCall) Execute(ctx context.Context, req Request) (Outcome, error) {
	value, err := req.Call(ctx)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Value: value, Terminal: true, Retcode: explicitRetcode(value)}, nil
}

// Sudo runs the call under the configured elevated identity. For
// in-process functions the identity is advisory; shell-out modules read it
// from the agent context. A chain requiring elevation always ends here
// (see ResolveChain).
type Sudo struct{}

func (Sudo) Name() string           { return "sudo" }
func (Sudo) AllowMissingFunc() bool { return false }

func (Sudo) Execute(ctx context.Context, req Request) (Outcome, error) {
	if req.SudoUser == "" {
		return Outcome{}, types.NewJobError(types.KindInvalidInvocation,
			"sudo executor selected but no sudo_user configured")
	}
	value, err := req.Call(ctx)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Value: value, Terminal: true, Retcode: explicitRetcode(value)}, nil
}

// explicitRetcode extracts a module-reported exit status from a map
// result's "retcode" key. Anything else means the module left the status
// to normalization.
func explicitRetcode(v any) int {
	m, ok := v.(map[string]any)
	if !ok {
		return 0
	}
	switch rc := m["retcode"].(type) {
	case int:
		return rc
	case float64:
		return int(rc)
	}
	return 0
}

// Splay waits a per-agent jitter before deferring to the next executor,
// spreading fleet-wide jobs over time. The delay is derived from the
// minion id and jid so retries of the same job land on the same offset.
type Splay struct{}

func (Splay) Name() string           { return "splay" }
func (Splay) AllowMissingFunc() bool { return false }

func (Splay) Execute(ctx context.Context, req Request) (Outcome, error) {
	window := splayWindow(req.Job)
	if window > 0 {
		h := fnv.New32a()
		h.Write([]byte(req.MinionID))
		h.Write([]byte(req.Job.JID))
		delay := time.Duration(h.Sum32()) % window
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return Outcome{Terminal: false}, nil
}

// splayWindow reads the splay width in seconds from job metadata.
func splayWindow(job *types.Job) time.Duration {
	if job == nil || job.Metadata == nil {
		return 0
	}
	switch v := job.Metadata["splay"].(type) {
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	default:
		return 0
	}
}

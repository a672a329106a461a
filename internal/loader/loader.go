// Package loader assembles the string-keyed capability tables an agent
// executes from: functions, executors, and returners. Tables are plain
// maps built once per load; lookup failure is a typed error at the call
// site, never a runtime type error. LoadFunctions is idempotent so agents
// can reload after a pillar or module refresh.
package loader

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/flotilla-sh/flotilla/internal/config"
	"github.com/flotilla-sh/flotilla/internal/executor"
	"github.com/flotilla-sh/flotilla/internal/returner"
	"github.com/flotilla-sh/flotilla/pkg/types"
)

// Version is stamped by the build; test.version reports it.
var Version = "0.9.0"

// Func is one callable entry in an agent's function table. Args arrive
// exactly as decoded from the job envelope.
type Func func(ctx context.Context, ac *config.AgentContext, args []any) (any, error)

// Tables is the full capability set produced by one load.
type Tables struct {
	Funcs     map[string]Func
	Docs      map[string]string
	Errors    map[string]string
	Executors map[string]executor.Executor
	Returners map[string]returner.Returner
}

// Loader produces capability tables for an agent's options. Implementations
// must be callable repeatedly with equivalent results for an unchanged
// module set.
type Loader interface {
	LoadFunctions(opts config.Options) (*Tables, error)
}

// PillarRefresher re-resolves pillar data for one agent. The builtin
// saltutil.refresh_pillar function drives it; the supervisor wires the
// concrete resolver in.
type PillarRefresher interface {
	RefreshPillar(ctx context.Context, minionID string) (map[string]any, error)
}

// ============================================================================
// Builtin loader
// ============================================================================

// Builtin is the in-process module set.
type Builtin struct {
	refresher PillarRefresher
}

// NewBuiltin builds the builtin loader. refresher may be nil; the
// refresh_pillar function then reports a load-style failure.
func NewBuiltin(refresher PillarRefresher) *Builtin {
	return &Builtin{refresher: refresher}
}

// LoadFunctions assembles fresh tables for the given options.
func (b *Builtin) LoadFunctions(opts config.Options) (*Tables, error) {
	t := &Tables{
		Funcs:     make(map[string]Func),
		Docs:      make(map[string]string),
		Errors:    make(map[string]string),
		Executors: executor.Builtins(),
		Returners: make(map[string]returner.Returner),
	}

	b.registerTest(t)
	b.registerSaltutil(t)
	b.registerStatus(t)

	t.Returners["local"] = returner.NewLocal(opts.CacheDir)
	if opts.Return.Redis.Addr != "" {
		t.Returners["redis"] = returner.NewRedis(
			opts.Return.Redis.Addr, opts.Return.Redis.Password, opts.Return.Redis.DB)
	} else {
		t.Errors["redis"] = "redis returner not configured: return.redis.addr is empty"
	}

	return t, nil
}

func (b *Builtin) registerTest(t *Tables) {
	t.Funcs["test.ping"] = func(ctx context.Context, ac *config.AgentContext, args []any) (any, error) {
		return true, nil
	}
	t.Docs["test.ping"] = "Return true; used to verify an agent is responsive."

	t.Funcs["test.echo"] = func(ctx context.Context, ac *config.AgentContext, args []any) (any, error) {
		if len(args) != 1 {
			return nil, types.NewJobError(types.KindArgumentMismatch,
				"test.echo takes exactly one argument, got %d", len(args))
		}
		return args[0], nil
	}
	t.Docs["test.echo"] = "Return the single argument unchanged."

	t.Funcs["test.sleep"] = func(ctx context.Context, ac *config.AgentContext, args []any) (any, error) {
		seconds, err := floatArg(args, 0)
		if err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(seconds * float64(time.Second))):
			return true, nil
		}
	}
	t.Docs["test.sleep"] = "Sleep for the given number of seconds, then return true."

	t.Funcs["test.version"] = func(ctx context.Context, ac *config.AgentContext, args []any) (any, error) {
		return Version, nil
	}
	t.Docs["test.version"] = "Return the agent software version."

	// test.stream produces its return lazily; the worker drains it and
	// publishes one progress event per element.
	t.Funcs["test.stream"] = func(ctx context.Context, ac *config.AgentContext, args []any) (any, error) {
		n, err := floatArg(args, 0)
		if err != nil {
			return nil, err
		}
		out := make(chan any)
		go func() {
			defer close(out)
			for i := 0; i < int(n); i++ {
				select {
				case <-ctx.Done():
					return
				case out <- map[string]any{fmt.Sprintf("step_%d", i): i}:
				}
			}
		}()
		return out, nil
	}
	t.Docs["test.stream"] = "Yield n map elements one at a time, emitting progress events."
}

func (b *Builtin) registerSaltutil(t *Tables) {
	t.Funcs[types.BlackoutRefreshFun] = func(ctx context.Context, ac *config.AgentContext, args []any) (any, error) {
		if b.refresher == nil {
			return nil, types.NewJobError(types.KindExecutionFailed,
				"no pillar resolver is attached to this agent")
		}
		if _, err := b.refresher.RefreshPillar(ctx, ac.MinionID); err != nil {
			return nil, types.NewJobError(types.KindExecutionFailed,
				"pillar refresh failed: %v", err)
		}
		return true, nil
	}
	t.Docs[types.BlackoutRefreshFun] = "Re-resolve this agent's pillar data. Always permitted during blackout."
}

func (b *Builtin) registerStatus(t *Tables) {
	t.Funcs["status.alive"] = func(ctx context.Context, ac *config.AgentContext, args []any) (any, error) {
		return map[string]any{
			"id": ac.MinionID,
			"os": runtime.GOOS,
		}, nil
	}
	t.Docs["status.alive"] = "Report the agent id and platform."
}

// ============================================================================
// Lookup helpers
// ============================================================================

// Suggest returns the documented function names nearest to fun: entries in
// the same module, plus prefix matches on the requested name, sorted.
func (t *Tables) Suggest(fun string) []string {
	module, _, _ := strings.Cut(fun, ".")
	var out []string
	for name := range t.Docs {
		if strings.HasPrefix(name, module+".") || strings.HasPrefix(name, fun) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// LoadError returns the recorded load error for fun's module, if any.
func (t *Tables) LoadError(fun string) string {
	module, _, _ := strings.Cut(fun, ".")
	return t.Errors[module]
}

func floatArg(args []any, idx int) (float64, error) {
	if idx >= len(args) {
		return 0, types.NewJobError(types.KindArgumentMismatch,
			"missing required argument %d", idx)
	}
	switch v := args[idx].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, types.NewJobError(types.KindArgumentMismatch,
			"argument %d must be a number, got %T", idx, args[idx])
	}
}

package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flotilla-sh/flotilla/internal/config"
	"github.com/flotilla-sh/flotilla/internal/dedup"
	"github.com/flotilla-sh/flotilla/internal/loader"
	"github.com/flotilla-sh/flotilla/internal/pillar"
	"github.com/flotilla-sh/flotilla/internal/returner"
	"github.com/flotilla-sh/flotilla/internal/transport"
	"github.com/flotilla-sh/flotilla/pkg/types"
)

var log = slog.Default()

// Bootstrapper brings configured devices from unconfigured to ready. A
// failure in one device is isolated: it is logged, excluded from the
// registry, and never aborts its siblings.
type Bootstrapper struct {
	Base     *config.AgentContext
	Loader   loader.Loader
	Resolver pillar.Resolver
	Dialer   transport.Dialer
	Drivers  DriverSet
}

// Bootstrap builds the registry for every device id in the fleet
// configuration, sequentially or via a bounded worker pool depending on
// fleet.parallel_startup. Failed device ids are reported once at the end.
func (b *Bootstrapper) Bootstrap(ctx context.Context) (*Registry, map[string]error) {
	reg := NewRegistry()
	ids := b.Base.Opts.Fleet.IDs
	failures := make(map[string]error)

	start := time.Now()
	if b.Base.Opts.Fleet.ParallelStartup {
		failures = b.bootstrapParallel(ctx, reg, ids)
	} else {
		for _, id := range ids {
			if _, err := b.BootstrapOne(ctx, reg, id); err != nil {
				failures[id] = err
			}
		}
	}

	if len(failures) > 0 {
		failed := make([]string, 0, len(failures))
		for id := range failures {
			failed = append(failed, id)
		}
		log.Error("Fleet bootstrap finished with failures",
			"ready", reg.Len(), "failed", failed)
	}
	log.Info("Fleet bootstrap complete",
		"ready", reg.Len(),
		"failed", len(failures),
		"duration", time.Since(start))
	return reg, failures
}

// bootstrapParallel runs attempts through a bounded pool of startup
// workers. The registry is only consulted by callers after every attempt,
// success or failure, has finished.
func (b *Bootstrapper) bootstrapParallel(ctx context.Context, reg *Registry, ids []string) map[string]error {
	workers := b.Base.Opts.Fleet.StartupWorkers
	if workers > len(ids) {
		workers = len(ids)
	}
	if workers < 1 {
		workers = 1
	}

	type attempt struct {
		id  string
		err error
	}
	idCh := make(chan string)
	resCh := make(chan attempt, len(ids))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range idCh {
				_, err := b.BootstrapOne(ctx, reg, id)
				resCh <- attempt{id: id, err: err}
			}
		}()
	}

	for _, id := range ids {
		idCh <- id
	}
	close(idCh)
	wg.Wait()
	close(resCh)

	failures := make(map[string]error)
	for a := range resCh {
		if a.err != nil {
			failures[a.id] = a.err
		}
	}
	return failures
}

// BootstrapOne initializes a single device and, on success, inserts its
// record into the registry. Serialized per device id with keepalive.
func (b *Bootstrapper) BootstrapOne(ctx context.Context, reg *Registry, id string) (*SubMinion, error) {
	lock := reg.LockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sm, err := b.buildRecord(ctx, id)
	if err != nil {
		log.Warn("Device bootstrap failed", "minion", id, "error", err)
		return nil, err
	}
	sm.opLock = lock

	reg.Put(sm)
	log.Info("Device ready", "minion", id)
	return sm, nil
}

func (b *Bootstrapper) buildRecord(ctx context.Context, id string) (*SubMinion, error) {
	sm := &SubMinion{ID: id, state: types.StateBootstrapping}

	// Merge process-wide options with the device overlay resolved from
	// the device id and its derived facts.
	overlay, err := b.Resolver.Resolve(ctx, id, b.Base.Grains)
	if err != nil {
		sm.setState(types.StateFailed)
		return nil, fmt.Errorf("resolve pillar: %w", err)
	}
	ac := b.Base.Overlay(id, overlay)
	sm.Ctx = ac

	tables, err := b.Loader.LoadFunctions(ac.Opts)
	if err != nil {
		sm.setState(types.StateFailed)
		return nil, fmt.Errorf("load functions: %w", err)
	}
	sm.Tables = tables

	driver, err := b.acquireDriver(ctx, ac)
	if err != nil {
		sm.setState(types.StateFailed)
		return nil, err
	}
	sm.Driver = driver

	conn, err := b.Dialer.Dial(ctx, id)
	if err != nil {
		sm.setState(types.StateFailed)
		return nil, fmt.Errorf("dial upstream: %w", err)
	}
	sm.Conn = conn

	// Two-phase build: tables first, then bind the cross-references that
	// need the finished record.
	sm.Dedup = dedup.NewWindow(ac.Opts.Dispatch.JidQueueHWM)
	sm.Publisher = returner.NewPublisher(
		conn, tables.Returners, ac.Opts.Return.Retries, ac.Opts.Return.Timeout)
	bindKeepalive(sm)

	sm.setState(types.StateReady)
	return sm, nil
}

// acquireDriver resolves the device driver from the pillar proxytype,
// verifies the hook contract, and runs the init hook.
func (b *Bootstrapper) acquireDriver(ctx context.Context, ac *config.AgentContext) (Driver, error) {
	proxytype, _ := ac.Grains["proxytype"].(string)
	if proxytype == "" {
		return nil, fmt.Errorf("pillar for %s carries no proxy:proxytype", ac.MinionID)
	}
	factory, ok := b.Drivers[proxytype]
	if !ok {
		return nil, fmt.Errorf("unknown device driver %q for %s", proxytype, ac.MinionID)
	}

	driver := factory()
	if err := CheckHooks(driver); err != nil {
		return nil, fmt.Errorf("driver %q: %w", proxytype, err)
	}
	if init, ok := driver.(Initializer); ok {
		if err := init.Init(ctx, ac); err != nil {
			return nil, fmt.Errorf("driver %q init: %w", proxytype, err)
		}
	}
	return driver, nil
}

// Shutdown invokes the shutdown hook of every ready record and closes its
// channel. Errors are logged per device; shutdown always visits every
// record.
func Shutdown(ctx context.Context, reg *Registry) {
	for _, id := range reg.IDs() {
		sm, ok := reg.Get(id)
		if !ok {
			continue
		}
		if down, ok := sm.Driver.(Shutdowner); ok {
			if err := down.Shutdown(ctx); err != nil {
				log.Warn("Driver shutdown failed", "minion", id, "error", err)
			}
		}
		if sm.Conn != nil {
			sm.Conn.Close()
		}
	}
}

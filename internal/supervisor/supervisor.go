// Package supervisor assembles and drives the whole fleet process: it
// bootstraps the registry, owns the single-threaded dispatch loop feeding
// the router, runs the keepalive schedule, and tears everything down with
// a bounded grace period.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flotilla-sh/flotilla/internal/config"
	"github.com/flotilla-sh/flotilla/internal/dedup"
	"github.com/flotilla-sh/flotilla/internal/fleet"
	"github.com/flotilla-sh/flotilla/internal/gate"
	"github.com/flotilla-sh/flotilla/internal/jobworker"
	"github.com/flotilla-sh/flotilla/internal/loader"
	"github.com/flotilla-sh/flotilla/internal/metrics"
	"github.com/flotilla-sh/flotilla/internal/pillar"
	"github.com/flotilla-sh/flotilla/internal/procdir"
	"github.com/flotilla-sh/flotilla/internal/returner"
	"github.com/flotilla-sh/flotilla/internal/router"
	"github.com/flotilla-sh/flotilla/internal/sched"
	"github.com/flotilla-sh/flotilla/internal/target"
	"github.com/flotilla-sh/flotilla/internal/transport"
	"github.com/flotilla-sh/flotilla/pkg/types"
)

var log = slog.Default()

// dispatchQueueDepth buffers payloads between Route callers and the
// dispatch loop so transport callbacks never block on routing.
const dispatchQueueDepth = 128

// Deps are the collaborator implementations the supervisor is wired with.
// Zero-valued fields get working defaults.
type Deps struct {
	Dialer   transport.Dialer
	Drivers  fleet.DriverSet
	Resolver pillar.Resolver
	Metrics  *metrics.Collector
}

// Supervisor is the running fleet process.
type Supervisor struct {
	opts config.Options
	// topMu guards topCtx replacement on pillar refresh; readers snapshot
	// via topContext, mirroring the fleet records' ctxMu discipline.
	topMu    sync.RWMutex
	topCtx   *config.AgentContext
	registry *fleet.Registry
	failures map[string]error
	router   *router.Router
	sched    *sched.Scheduler
	metrics  *metrics.Collector
	resolver pillar.Resolver
	watcher  *pillar.Watcher
	worker   *jobworker.Worker

	payloadCh chan *types.Job
	stopCh    chan struct{}
	stopOnce  sync.Once
	loopWg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// Start constructs the fleet per the options and begins accepting
// payloads. Per-device bootstrap failures do not fail Start; the affected
// devices are simply absent from the registry until re-bootstrapped.
func Start(ctx context.Context, opts config.Options, deps Deps) (*Supervisor, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("options carry no minion id")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &Supervisor{
		opts:      opts,
		topCtx:    config.NewAgentContext(opts),
		metrics:   deps.Metrics,
		resolver:  deps.Resolver,
		payloadCh: make(chan *types.Job, dispatchQueueDepth),
		stopCh:    make(chan struct{}),
		ctx:       runCtx,
		cancel:    cancel,
	}
	if s.resolver == nil {
		s.resolver = pillar.NewFileResolver(opts.PillarDir)
	}

	dialer := deps.Dialer
	if dialer == nil {
		if opts.MasterURL != "" {
			dialer = &transport.HTTPDialer{BaseURL: opts.MasterURL, AuthToken: opts.AuthToken}
		} else {
			dialer = &transport.LoopbackDialer{}
		}
	}
	drivers := deps.Drivers
	if drivers == nil {
		drivers = fleet.BuiltinDrivers()
	}

	ld := loader.NewBuiltin(s)

	top, err := s.buildTopAgent(runCtx, ld, dialer)
	if err != nil {
		cancel()
		return nil, err
	}

	bootStart := time.Now()
	bootstrapper := &fleet.Bootstrapper{
		Base:     s.topCtx,
		Loader:   ld,
		Resolver: s.resolver,
		Dialer:   dialer,
		Drivers:  drivers,
	}
	s.registry, s.failures = bootstrapper.Bootstrap(runCtx)
	if s.metrics != nil {
		s.metrics.SetBootstrapDuration(time.Since(bootStart).Seconds())
		s.metrics.SetFleetReady(s.registry.ReadyCount())
	}

	s.worker = &jobworker.Worker{Metrics: s.metrics}
	s.router = &router.Router{
		Top:      top,
		FleetIDs: opts.Fleet.IDs,
		Restrict: opts.Fleet.Restrict,
		Registry: s.registry,
		Matcher:  target.New(),
		Gate:     gate.New(opts.Dispatch.MaxConcurrency, opts.Dispatch.PollInterval),
		Worker:   s.worker,
		Metrics:  s.metrics,
	}

	s.loopWg.Add(1)
	go s.dispatchLoop()

	if err := s.startSchedules(); err != nil {
		log.Warn("Keepalive schedule incomplete", "error", err)
	}

	if opts.PillarDir != "" {
		w, err := pillar.Watch(opts.PillarDir, func(deviceID string) {
			if _, err := s.RefreshPillar(s.ctx, deviceID); err != nil {
				log.Warn("Pillar refresh failed", "minion", deviceID, "error", err)
			}
		})
		if err != nil {
			log.Warn("Pillar watcher unavailable", "error", err)
		} else {
			s.watcher = w
		}
	}

	log.Info("Supervisor started",
		"id", opts.ID,
		"fleet", len(opts.Fleet.IDs),
		"ready", s.registry.ReadyCount(),
		"max_concurrency", opts.Dispatch.MaxConcurrency)
	return s, nil
}

func (s *Supervisor) buildTopAgent(ctx context.Context, ld loader.Loader, dialer transport.Dialer) (*jobworker.Agent, error) {
	tables, err := ld.LoadFunctions(s.opts)
	if err != nil {
		return nil, fmt.Errorf("load top-level functions: %w", err)
	}
	conn, err := dialer.Dial(ctx, s.opts.ID)
	if err != nil {
		return nil, fmt.Errorf("dial upstream for %s: %w", s.opts.ID, err)
	}
	return &jobworker.Agent{
		Ctx:    s.topCtx,
		Tables: tables,
		Dedup:  dedup.NewWindow(s.opts.Dispatch.JidQueueHWM),
		Publisher: returner.NewPublisher(
			conn, tables.Returners, s.opts.Return.Retries, s.opts.Return.Timeout),
		Conn: conn,
		Proc: procdir.New(s.opts.CacheDir),
	}, nil
}

// ============================================================================
// Dispatch loop
// ============================================================================

// dispatchLoop is the single goroutine that routes payloads. It only ever
// spawns workers; the one place it waits is the concurrency gate, which
// re-checks on the configured interval instead of blocking.
func (s *Supervisor) dispatchLoop() {
	defer s.loopWg.Done()
	for {
		select {
		case <-s.stopCh:
			log.Info("Dispatch loop stopped")
			return
		case job := <-s.payloadCh:
			s.router.Route(s.ctx, job)
		}
	}
}

// Route hands a decoded payload to the dispatch loop. Never blocks on
// worker completion; a full queue drops the payload with a logged error,
// which upstream treats like network loss.
func (s *Supervisor) Route(job *types.Job) {
	select {
	case <-s.stopCh:
		log.Warn("Payload received after shutdown began", "jid", job.JID)
	case s.payloadCh <- job:
	default:
		log.Error("Dispatch queue full, dropping payload", "jid", job.JID)
	}
}

// Registry exposes the fleet registry (status and tests).
func (s *Supervisor) Registry() *fleet.Registry { return s.registry }

// BootstrapFailures reports the devices excluded during the last
// bootstrap, keyed by device id.
func (s *Supervisor) BootstrapFailures() map[string]error { return s.failures }

// ============================================================================
// Scheduler and pillar refresh
// ============================================================================

// startSchedules registers one keepalive descriptor per supervised device.
func (s *Supervisor) startSchedules() error {
	s.sched = sched.New(s.runScheduled)
	var firstErr error
	if s.opts.Keepalive.Enabled {
		for _, id := range s.registry.IDs() {
			err := s.sched.Add(s.ctx, sched.Descriptor{
				Name:          "keepalive-" + id,
				Function:      fleet.KeepaliveFun,
				Target:        id,
				Interval:      s.opts.Keepalive.Interval,
				RunOnStart:    false,
				MaxConcurrent: 1,
			})
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	s.sched.Start()
	return firstErr
}

// runScheduled pushes a locally originated job through the worker
// pipeline for its target record, synchronously, under the global gate.
func (s *Supervisor) runScheduled(ctx context.Context, job *types.Job) {
	sm, ok := s.registry.Get(job.Target)
	if !ok {
		log.Warn("Scheduled job targets unknown sub-minion",
			"jid", job.JID, "minion", job.Target)
		return
	}
	if err := s.router.Gate.Acquire(ctx); err != nil {
		return
	}
	defer s.router.Gate.Release()

	ac := sm.Context()
	agent := &jobworker.Agent{
		Ctx:       ac,
		Tables:    sm.Tables,
		Dedup:     sm.Dedup,
		Publisher: sm.Publisher,
		Conn:      sm.Conn,
		Proc:      procdir.New(ac.Opts.CacheDir),
	}
	s.worker.Run(ctx, job, agent)

	if s.metrics != nil {
		s.metrics.SetFleetReady(s.registry.ReadyCount())
	}
}

// topContext snapshots the top-level agent context.
func (s *Supervisor) topContext() *config.AgentContext {
	s.topMu.RLock()
	defer s.topMu.RUnlock()
	return s.topCtx
}

func (s *Supervisor) setTopContext(ac *config.AgentContext) {
	s.topMu.Lock()
	s.topCtx = ac
	s.topMu.Unlock()
}

// RefreshPillar re-resolves one agent's overlay and swaps a refreshed
// context into its record. Implements the loader's refresher hook, so
// saltutil.refresh_pillar lands here. Callers run on arbitrary goroutines
// (the pillar watcher, any job worker); swaps go through the guarded
// setters so the dispatch loop and in-flight workers only ever see
// complete snapshots.
func (s *Supervisor) RefreshPillar(ctx context.Context, minionID string) (map[string]any, error) {
	base := s.topContext()
	if minionID == s.opts.ID {
		overlay, err := s.resolver.Resolve(ctx, minionID, base.Grains)
		if err != nil {
			return nil, err
		}
		fresh := base.WithPillar(overlay)
		s.setTopContext(fresh)
		if s.router != nil && s.router.Top != nil {
			s.router.Top.ReplaceContext(fresh)
		}
		return overlay, nil
	}

	sm, ok := s.registry.Get(minionID)
	if !ok {
		return nil, fmt.Errorf("unknown minion %q", minionID)
	}
	overlay, err := s.resolver.Resolve(ctx, minionID, base.Grains)
	if err != nil {
		return nil, err
	}
	sm.ReplaceContext(base.Overlay(minionID, overlay))
	log.Info("Pillar refreshed", "minion", minionID)
	return overlay, nil
}

// ============================================================================
// Shutdown
// ============================================================================

// Shutdown stops accepting payloads, drains in-flight workers for the
// configured grace period, cancels stragglers, and runs every ready
// driver's shutdown hook.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.sched != nil {
		s.sched.Stop()
	}
	s.loopWg.Wait()

	if !s.router.Wait(s.opts.Shutdown.Grace) {
		log.Warn("Grace period expired, terminating remaining workers",
			"grace", s.opts.Shutdown.Grace)
	}
	s.cancel()

	fleet.Shutdown(ctx, s.registry)
	log.Info("Supervisor stopped", "id", s.opts.ID)
}

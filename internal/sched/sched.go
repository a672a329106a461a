// Package sched runs named periodic job descriptors. Each tick builds a
// locally originated job and pushes it through the ordinary job worker
// pipeline, so scheduled work (keepalive included) inherits dedup,
// blackout, and executor semantics like upstream jobs.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/flotilla-sh/flotilla/pkg/types"
)

var log = slog.Default()

// Descriptor names one periodic job.
type Descriptor struct {
	Name          string
	Function      string
	Target        string // minion id the job addresses
	Args          []any
	Interval      time.Duration
	RunOnStart    bool
	MaxConcurrent int // simultaneous runs of this entry; 0 means 1
}

// RunFunc executes one scheduled job synchronously through the worker
// pipeline. The scheduler holds the entry's concurrency token for the
// full call.
type RunFunc func(ctx context.Context, job *types.Job)

// Scheduler owns the cron engine and the per-entry concurrency guards.
type Scheduler struct {
	cron *cron.Cron
	run  RunFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New builds a stopped scheduler around run.
func New(run RunFunc) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		run:     run,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers a descriptor. Duplicate names and non-positive intervals
// are configuration errors.
func (s *Scheduler) Add(ctx context.Context, d Descriptor) error {
	if d.Name == "" || d.Function == "" || d.Target == "" {
		return fmt.Errorf("schedule entry needs name, function, and target")
	}
	if d.Interval <= 0 {
		return fmt.Errorf("schedule entry %q has non-positive interval", d.Name)
	}

	s.mu.Lock()
	if _, dup := s.entries[d.Name]; dup {
		s.mu.Unlock()
		return fmt.Errorf("schedule entry %q already exists", d.Name)
	}
	s.mu.Unlock()

	maxConc := d.MaxConcurrent
	if maxConc < 1 {
		maxConc = 1
	}
	tokens := make(chan struct{}, maxConc)

	tick := func() {
		select {
		case tokens <- struct{}{}:
		default:
			log.Warn("Skipping scheduled run, previous still in flight",
				"schedule", d.Name, "max_concurrent", maxConc)
			return
		}
		go func() {
			defer func() { <-tokens }()
			s.run(ctx, buildJob(d))
		}()
	}

	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", d.Interval), tick)
	if err != nil {
		return fmt.Errorf("register schedule %q: %w", d.Name, err)
	}

	s.mu.Lock()
	s.entries[d.Name] = id
	s.mu.Unlock()

	if d.RunOnStart {
		tick()
	}
	return nil
}

// Remove drops a named entry.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Start begins ticking.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts ticking and waits for running cron callbacks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// buildJob materializes one tick as a job. Locally originated jobs carry
// fresh jids so each tick passes the target agent's dedup window.
func buildJob(d Descriptor) *types.Job {
	job := &types.Job{
		JID:        fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102150405"), uuid.NewString()[:8]),
		Funs:       []string{d.Function},
		Args:       [][]any{d.Args},
		Target:     d.Target,
		TargetType: types.TargetList,
		Metadata:   map[string]any{"schedule": d.Name},
	}
	return job
}

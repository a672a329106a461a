package fleet

import (
	"sort"
	"sync"

	"github.com/flotilla-sh/flotilla/internal/config"
	"github.com/flotilla-sh/flotilla/internal/dedup"
	"github.com/flotilla-sh/flotilla/internal/loader"
	"github.com/flotilla-sh/flotilla/internal/returner"
	"github.com/flotilla-sh/flotilla/internal/transport"
	"github.com/flotilla-sh/flotilla/pkg/types"
)

// SubMinion is one virtual agent supervised by this process. The registry
// owns the record; job workers hold only a transient reference for the
// duration of one job. Bootstrap and keepalive are the only mutators, and
// the registry serializes them per device id.
type SubMinion struct {
	ID        string
	Ctx       *config.AgentContext
	Tables    *loader.Tables
	Driver    Driver
	Conn      transport.Transport
	Dedup     *dedup.Window
	Publisher *returner.Publisher

	mu    sync.Mutex
	state types.FleetState
	// opLock is the registry's per-device mutex; keepalive and any
	// re-bootstrap of the same id take it so they never overlap.
	opLock *sync.Mutex
	// ctxMu guards Ctx replacement on pillar refresh; workers snapshot the
	// pointer once at job start.
	ctxMu sync.RWMutex
}

// State reports the record's lifecycle state.
func (sm *SubMinion) State() types.FleetState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

func (sm *SubMinion) setState(s types.FleetState) {
	sm.mu.Lock()
	sm.state = s
	sm.mu.Unlock()
}

// Context snapshots the record's current agent context.
func (sm *SubMinion) Context() *config.AgentContext {
	sm.ctxMu.RLock()
	defer sm.ctxMu.RUnlock()
	return sm.Ctx
}

// ReplaceContext swaps in a refreshed context (pillar refresh). In-flight
// workers keep the snapshot they took at job start.
func (sm *SubMinion) ReplaceContext(ac *config.AgentContext) {
	sm.ctxMu.Lock()
	sm.Ctx = ac
	sm.ctxMu.Unlock()
}

// ============================================================================
// Registry
// ============================================================================

// Registry maps minion id to its record. Read-heavy during routing;
// written only by bootstrap, device add/remove, and keepalive refresh.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*SubMinion
	// keyed serializes bootstrap/keepalive per device id; operations for
	// different ids stay unconstrained.
	keyedMu sync.Mutex
	keyed   map[string]*sync.Mutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*SubMinion),
		keyed:   make(map[string]*sync.Mutex),
	}
}

// Get looks up a record.
func (r *Registry) Get(id string) (*SubMinion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sm, ok := r.records[id]
	return sm, ok
}

// Put inserts or replaces a record.
func (r *Registry) Put(sm *SubMinion) {
	r.mu.Lock()
	r.records[sm.ID] = sm
	r.mu.Unlock()
}

// Remove drops a record, returning it if present.
func (r *Registry) Remove(id string) (*SubMinion, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sm, ok := r.records[id]
	if ok {
		delete(r.records, id)
	}
	return sm, ok
}

// IDs lists registered minion ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.records))
	for id := range r.records {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len reports the registry size.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// ReadyCount reports how many records are currently ready.
func (r *Registry) ReadyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sm := range r.records {
		if sm.State() == types.StateReady {
			n++
		}
	}
	return n
}

// LockFor returns the per-device mutex serializing bootstrap and keepalive
// for one id.
func (r *Registry) LockFor(id string) *sync.Mutex {
	r.keyedMu.Lock()
	defer r.keyedMu.Unlock()
	m, ok := r.keyed[id]
	if !ok {
		m = &sync.Mutex{}
		r.keyed[id] = m
	}
	return m
}

// Package fleet supervises the set of sub-minions this process represents:
// the registry of records, the bootstrap protocol that brings each device
// from unconfigured to ready, and the keepalive path that repairs stale
// connections.
package fleet

import (
	"context"
	"sync"

	"github.com/flotilla-sh/flotilla/internal/config"
	"github.com/flotilla-sh/flotilla/pkg/types"
)

// Driver is the handle into a device-specific module. The concrete device
// protocol (REST, SSH, vendor SDK) lives behind it and is out of scope
// here.
type Driver interface {
	// Alive reports whether the device session is healthy.
	Alive(ctx context.Context) bool
}

// Initializer is the optional init hook, invoked once during bootstrap.
type Initializer interface {
	Init(ctx context.Context, ac *config.AgentContext) error
}

// Shutdowner is the optional shutdown hook, invoked at supervisor exit.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// CheckHooks enforces the driver contract: a driver exposing neither an
// init nor a shutdown hook is a configuration error for that device.
func CheckHooks(d Driver) error {
	_, hasInit := d.(Initializer)
	_, hasShutdown := d.(Shutdowner)
	if !hasInit && !hasShutdown {
		return types.NewJobError(types.KindInvalidInvocation,
			"device driver defines neither an init nor a shutdown hook")
	}
	return nil
}

// DriverFactory builds a fresh driver instance per device.
type DriverFactory func() Driver

// DriverSet maps the pillar proxytype to a factory.
type DriverSet map[string]DriverFactory

// ============================================================================
// Builtin dummy driver
// ============================================================================

// Dummy is an in-memory device driver used for fleet smoke-testing and as
// the reference for the hook contract.
type Dummy struct {
	mu      sync.Mutex
	inited  bool
	healthy bool
}

// NewDummy returns the dummy driver factory.
func NewDummy() Driver {
	return &Dummy{}
}

func (d *Dummy) Init(ctx context.Context, ac *config.AgentContext) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inited = true
	d.healthy = true
	return nil
}

func (d *Dummy) Alive(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inited && d.healthy
}

func (d *Dummy) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inited = false
	return nil
}

// SetHealthy flips the simulated session health; keepalive tests drive it.
func (d *Dummy) SetHealthy(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.healthy = v
}

// BuiltinDrivers returns the driver set shipped with the supervisor.
func BuiltinDrivers() DriverSet {
	return DriverSet{
		"dummy": NewDummy,
	}
}

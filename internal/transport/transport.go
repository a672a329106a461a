// Package transport is the upstream channel boundary. The supervisor only
// supplies results, events, and a timeout budget; framing, encryption, and
// broker semantics stay on the other side of this interface. Each
// sub-minion dials its own independent channel.
package transport

import (
	"context"
	"time"

	"github.com/flotilla-sh/flotilla/pkg/types"
)

// Transport is one agent identity's channel to the controller.
type Transport interface {
	// Connected reports whether the channel is currently usable.
	Connected() bool
	// Send delivers a job return within the timeout budget. A timeout is
	// not fatal to the caller; the result is simply dropped after the
	// retry budget upstream of this call is exhausted.
	Send(ctx context.Context, ret types.ExecutionResult, timeout time.Duration) error
	// Publish fires a one-way event (progress events, state changes).
	Publish(ctx context.Context, event types.Event) error
	// Probe checks connectivity health without sending payload.
	Probe(ctx context.Context) error
	// Reconnect re-establishes a stale channel.
	Reconnect(ctx context.Context) error
	Close() error
}

// Dialer opens a channel for one agent identity.
type Dialer interface {
	Dial(ctx context.Context, minionID string) (Transport, error)
}

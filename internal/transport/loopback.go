package transport

import (
	"context"
	"sync"
	"time"

	"github.com/flotilla-sh/flotilla/pkg/types"
)

// Loopback is an in-memory channel used in masterless operation and in
// tests: returns and events are retained instead of leaving the process.
type Loopback struct {
	mu        sync.Mutex
	returns   []types.ExecutionResult
	events    []types.Event
	connected bool
	// SendErr, when set, makes Send fail; lets tests exercise the retry
	// and drop paths.
	SendErr error
}

// NewLoopback returns a connected loopback channel.
func NewLoopback() *Loopback {
	return &Loopback{connected: true}
}

// LoopbackDialer hands every identity the same shared loopback channel
// when Shared is set, or a fresh one per identity otherwise.
type LoopbackDialer struct {
	Shared *Loopback
}

func (d *LoopbackDialer) Dial(ctx context.Context, minionID string) (Transport, error) {
	if d.Shared != nil {
		return d.Shared, nil
	}
	return NewLoopback(), nil
}

func (l *Loopback) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// SetConnected flips the connectivity flag; tests drive keepalive with it.
func (l *Loopback) SetConnected(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = v
}

func (l *Loopback) Send(ctx context.Context, ret types.ExecutionResult, timeout time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendErr != nil {
		return l.SendErr
	}
	l.returns = append(l.returns, ret)
	return nil
}

func (l *Loopback) Publish(ctx context.Context, event types.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *Loopback) Probe(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		l.connected = true
	}
	return nil
}

func (l *Loopback) Reconnect(ctx context.Context) error {
	return l.Probe(ctx)
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	return nil
}

// Returns copies out everything sent so far.
func (l *Loopback) Returns() []types.ExecutionResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.ExecutionResult, len(l.returns))
	copy(out, l.returns)
	return out
}

// Events copies out everything published so far.
func (l *Loopback) Events() []types.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Event, len(l.events))
	copy(out, l.events)
	return out
}

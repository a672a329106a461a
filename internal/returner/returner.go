// Package returner delivers execution results: once upstream with a
// bounded retry budget, and fanned out to any returner sinks the job
// names. Sink fan-out is best-effort and fully independent per sink.
package returner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flotilla-sh/flotilla/pkg/types"
)

var log = slog.Default()

// Returner is a named sink receiving a copy of a job's result independent
// of the primary upstream channel.
type Returner interface {
	Name() string
	Save(ctx context.Context, ret types.ExecutionResult) error
}

// Upstream is the primary return channel, supplied by the transport.
type Upstream interface {
	Connected() bool
	Send(ctx context.Context, ret types.ExecutionResult, timeout time.Duration) error
}

// ============================================================================
// Publisher
// ============================================================================

// Publisher owns the return path for one agent identity.
type Publisher struct {
	upstream Upstream
	registry map[string]Returner
	retries  int
	timeout  time.Duration
}

// NewPublisher builds a publisher. registry may be nil when the agent has
// no sinks loaded.
func NewPublisher(upstream Upstream, registry map[string]Returner, retries int, timeout time.Duration) *Publisher {
	if retries < 1 {
		retries = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Publisher{
		upstream: upstream,
		registry: registry,
		retries:  retries,
		timeout:  timeout,
	}
}

// Publish sends the result upstream and fans it out to the job's named
// sinks. Sink failures are logged per sink and never affect the upstream
// send or each other; an exhausted upstream retry budget drops the result
// with a logged error. Publish never returns an error to the worker.
func (p *Publisher) Publish(ctx context.Context, ret types.ExecutionResult, job *types.Job) {
	var wg sync.WaitGroup
	for _, name := range job.Returners() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			p.saveTo(ctx, name, ret)
		}(name)
	}

	p.sendUpstream(ctx, ret)
	wg.Wait()
}

func (p *Publisher) sendUpstream(ctx context.Context, ret types.ExecutionResult) {
	if p.upstream == nil || !p.upstream.Connected() {
		log.Warn("Not connected upstream, dropping result",
			"jid", ret.JID, "minion", ret.MinionID)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= p.retries; attempt++ {
		err := p.upstream.Send(ctx, ret, p.timeout)
		if err == nil {
			return
		}
		lastErr = err
		log.Warn("Upstream return attempt failed",
			"jid", ret.JID, "minion", ret.MinionID,
			"attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	log.Error("Dropping result after exhausting return retries",
		"jid", ret.JID, "minion", ret.MinionID,
		"retries", p.retries, "error", lastErr)
}

func (p *Publisher) saveTo(ctx context.Context, name string, ret types.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Returner panicked",
				"returner", name, "jid", ret.JID, "panic", r)
		}
	}()

	sink, ok := p.registry[name]
	if !ok {
		log.Error("Unknown returner", "returner", name, "jid", ret.JID)
		return
	}
	if err := sink.Save(ctx, ret); err != nil {
		log.Error("Returner failed",
			"returner", name, "jid", ret.JID, "error", err)
	}
}

// sinkKey formats the storage key shared by the builtin sinks.
func sinkKey(ret types.ExecutionResult) string {
	return fmt.Sprintf("ret:%s:%s", ret.JID, ret.MinionID)
}

package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireRespectsCeiling(t *testing.T) {
	g := New(2, time.Millisecond)

	require.True(t, g.TryAcquire())
	require.True(t, g.TryAcquire())
	assert.False(t, g.TryAcquire(), "third slot must be refused at limit=2")

	g.Release()
	assert.True(t, g.TryAcquire())
}

func TestZeroLimitIsUnlimited(t *testing.T) {
	g := New(0, time.Millisecond)
	for i := 0; i < 1000; i++ {
		require.True(t, g.TryAcquire())
	}
	assert.Equal(t, 1000, g.InFlight())
}

func TestAcquireWaitsForCapacity(t *testing.T) {
	g := New(1, time.Millisecond)
	require.True(t, g.TryAcquire())

	done := make(chan struct{})
	go func() {
		require.NoError(t, g.Acquire(context.Background()))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Acquire returned while at capacity")
	case <-time.After(20 * time.Millisecond):
	}

	g.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire did not observe released capacity")
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	g := New(1, time.Millisecond)
	require.True(t, g.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := g.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestCeilingUnderConcurrency drives N workers through limit L and checks
// the simultaneously active count never exceeds L.
func TestCeilingUnderConcurrency(t *testing.T) {
	const limit = 4
	const jobs = 50

	g := New(limit, time.Millisecond)
	var active atomic.Int64
	var peak atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, g.Acquire(context.Background()))
			defer g.Release()

			cur := active.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(limit))
	assert.Equal(t, 0, g.InFlight())
}

func TestUnbalancedReleaseClamps(t *testing.T) {
	g := New(2, time.Millisecond)
	g.Release()
	assert.Equal(t, 0, g.InFlight(), "counter must never go negative")
}

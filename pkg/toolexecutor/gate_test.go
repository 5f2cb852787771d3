package toolexecutor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateClampSlots(t *testing.T) {
	g := NewGate(0)
	require.NoError(t, g.Acquire(context.Background()))
	assert.Equal(t, 1, g.Live())
}

func TestGateImmediateAcquire(t *testing.T) {
	g := NewGate(2)

	require.NoError(t, g.Acquire(context.Background()))
	require.NoError(t, g.Acquire(context.Background()))
	assert.Equal(t, 2, g.Live())
	assert.Equal(t, 0, g.Waiting())

	g.Release()
	g.Release()
	assert.Equal(t, 0, g.Live())
}

func TestGateLiveNeverExceedsSlots(t *testing.T) {
	const slots = 3
	g := NewGate(slots)

	var live atomic.Int64
	var peak atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, g.Acquire(context.Background()))
			n := live.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			live.Add(-1)
			g.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(slots))
	assert.Equal(t, 0, g.Live())
	assert.Equal(t, 0, g.Waiting())
}

func TestGateWakesOldestWaiterFirst(t *testing.T) {
	g := NewGate(1)
	require.NoError(t, g.Acquire(context.Background()))

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, g.Acquire(context.Background()))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			g.Release()
		}(i)
		// ensure the waiter is queued before starting the next one
		require.Eventually(t, func() bool { return g.Waiting() == i }, time.Second, time.Millisecond)
	}

	g.Release()
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestGateAcquireCanceled(t *testing.T) {
	g := NewGate(1)
	require.NoError(t, g.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.Acquire(ctx) }()

	require.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled waiter never returned")
	}
	assert.Equal(t, 0, g.Waiting())

	// the held slot is unaffected
	assert.Equal(t, 1, g.Live())
	g.Release()
	assert.Equal(t, 0, g.Live())
}

func TestGateReleaseTransfersSlot(t *testing.T) {
	g := NewGate(1)
	require.NoError(t, g.Acquire(context.Background()))

	acquired := make(chan struct{})
	go func() {
		require.NoError(t, g.Acquire(context.Background()))
		close(acquired)
	}()

	require.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, time.Millisecond)
	g.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken")
	}
	assert.Equal(t, 1, g.Live())
	g.Release()
	assert.Equal(t, 0, g.Live())
}

package toolexecutor

import (
	"context"
	"sync"
)

// Gate bounds how many tool calls run at once. Waiters are served in
// arrival order: a release always wakes the oldest waiter, so a burst
// of calls cannot starve an early one. A plain buffered channel does
// not give that ordering, hence the explicit waiter list.
type Gate struct {
	mu      sync.Mutex
	slots   int
	live    int
	waiters []chan struct{}
}

// NewGate creates a gate with the given number of slots. Slots below
// one are clamped to one.
func NewGate(slots int) *Gate {
	if slots < 1 {
		slots = 1
	}
	return &Gate{slots: slots}
}

// Acquire blocks until a slot is free or ctx is done. On success the
// caller owns one slot and must Release it.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.live < g.slots && len(g.waiters) == 0 {
		g.live++
		g.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	g.waiters = append(g.waiters, ready)
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == ready {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return ctx.Err()
			}
		}
		g.mu.Unlock()
		// Already granted between ctx firing and lock acquisition;
		// hand the slot straight back.
		g.release()
		return ctx.Err()
	}
}

// Release frees the caller's slot and wakes the oldest waiter.
func (g *Gate) Release() {
	g.release()
}

func (g *Gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.waiters) > 0 {
		ready := g.waiters[0]
		g.waiters = g.waiters[1:]
		close(ready)
		// slot ownership transfers to the waiter; live is unchanged
		return
	}
	if g.live > 0 {
		g.live--
	}
}

// Live reports how many slots are currently held.
func (g *Gate) Live() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live
}

// Waiting reports how many callers are queued.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

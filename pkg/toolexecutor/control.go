package toolexecutor

import (
	"context"
	"sync/atomic"
)

// Control unifies the two ways a session stops early: hard abort via
// context cancellation and graceful stop via a flag. Every suspension
// point in the runtime checks both through Err, so the two paths
// cannot diverge.
type Control struct {
	stopping atomic.Bool
}

// NewControl returns a control with no stop requested.
func NewControl() *Control {
	return &Control{}
}

// RequestStop asks the session to wind down at the next suspension
// point. In-flight work is allowed to finish.
func (c *Control) RequestStop() {
	c.stopping.Store(true)
}

// Stopping reports whether a graceful stop was requested.
func (c *Control) Stopping() bool {
	return c.stopping.Load()
}

// Err returns ErrCanceled when ctx is done, ErrStopRequested when a
// graceful stop is pending, and nil otherwise. Cancellation wins over
// graceful stop.
func (c *Control) Err(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrCanceled
	}
	if c != nil && c.stopping.Load() {
		return ErrStopRequested
	}
	return nil
}

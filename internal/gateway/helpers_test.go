package gateway

import (
	"context"
	"errors"
	"sync/atomic"

	"venue-gateway/internal/health"
)

// evaluate rescores health and runs one breaker evaluation outside the
// periodic task.
func (g *Gateway) evaluate() (health.Transition, bool) {
	g.refreshHealth()
	return g.breaker.Evaluate()
}

// fakeClock is a venue clock fixed at one instant.
type fakeClock struct {
	at      int64
	fail    bool
	syncs   atomic.Int32
	running atomic.Bool
	stopped chan struct{}
}

func newFakeClock(at int64) *fakeClock { return &fakeClock{at: at, stopped: make(chan struct{})} }

func (c *fakeClock) Now() int64 { return c.at }

func (c *fakeClock) Sync(context.Context) error {
	c.syncs.Add(1)
	if c.fail {
		return errors.New("time endpoint down")
	}
	return nil
}

func (c *fakeClock) Run(ctx context.Context) {
	c.running.Store(true)
	<-ctx.Done()
	close(c.stopped)
}

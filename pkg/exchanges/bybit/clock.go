package bybit

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const clockResync = 30 * time.Minute

// Clock estimates Bybit server time so signed requests stay inside the
// receive window when the host clock drifts. Unsynced it reads the host clock.
type Clock struct {
	fetch  func(ctx context.Context) (int64, error)
	local  func() time.Time
	every  time.Duration
	log    *zap.Logger
	offset atomic.Int64 // server minus host, ms
	rtt    atomic.Int64 // ms, of the last sync
	synced atomic.Bool
}

func newClock(fetch func(ctx context.Context) (int64, error), log *zap.Logger) *Clock {
	return &Clock{fetch: fetch, local: time.Now, every: clockResync, log: log.Named("clock")}
}

// Sync takes one server time sample. The round trip is assumed symmetric, so
// the sample is matched against the host time halfway through it.
func (c *Clock) Sync(ctx context.Context) error {
	sent := c.local()
	server, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	rtt := c.local().Sub(sent)
	offset := server - sent.Add(rtt/2).UnixMilli()
	c.offset.Store(offset)
	c.rtt.Store(rtt.Milliseconds())
	c.synced.Store(true)
	c.log.Debug("clock synced", zap.Int64("offset_ms", offset), zap.Duration("rtt", rtt))
	return nil
}

// Run resyncs periodically until ctx is done. Failures keep the last offset.
func (c *Clock) Run(ctx context.Context) {
	ticker := time.NewTicker(c.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sync(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("clock sync failed", zap.Error(err), zap.Duration("offset", c.Offset()))
			}
		}
	}
}

// Now is the estimated server time in unix ms.
func (c *Clock) Now() int64 { return c.local().UnixMilli() + c.offset.Load() }

func (c *Clock) Offset() time.Duration { return time.Duration(c.offset.Load()) * time.Millisecond }

// Synced reports whether at least one sample has been taken.
func (c *Clock) Synced() bool { return c.synced.Load() }

package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"venue-gateway/internal/command"
	"venue-gateway/internal/events"
	"venue-gateway/internal/health"
)

var (
	_ health.Actions   = breakerActions{}
	_ command.Observer = (*Gateway)(nil)
)

// breakerActions carries out the breaker's side effects on the gateway.
type breakerActions struct{ g *Gateway }

func (a breakerActions) Pause(reason string) {
	g := a.g
	if g.paused.Swap(true) {
		return
	}
	g.log.Warn("trading paused", zap.String("reason", reason))
	g.bus.Publish(events.EventAlert, events.Alert{Level: "warning", Message: "trading paused: " + reason})
}

func (a breakerActions) Resume() {
	g := a.g
	if !g.paused.Swap(false) {
		return
	}
	g.log.Info("trading resumed")
	g.bus.Publish(events.EventAlert, events.Alert{Level: "info", Message: "trading resumed"})
}

// CancelAll runs asynchronously so the breaker evaluation never waits on the
// venue. Shutdown waits for it to finish.
func (a breakerActions) CancelAll(reason string) {
	g := a.g
	timeout := g.Config().CommandTimeout * 3
	g.actWG.Add(1)
	go func() {
		defer g.actWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		n, err := g.cancelAll(ctx)
		if err != nil {
			g.log.Error("breaker cancel-all failed", zap.String("reason", reason), zap.Error(err))
			g.bus.Publish(events.EventAlert, events.Alert{Level: "critical", Message: "cancel-all failed: " + err.Error()})
			return
		}
		g.log.Warn("breaker cancelled all orders", zap.String("reason", reason), zap.Int("count", n))
	}()
}

// Shutdown is the breaker's critical action: it only signals the owner,
// who stops the gateway through Gateway.Shutdown.
func (a breakerActions) Shutdown(reason string) {
	g := a.g
	g.log.Error("critical health, shutdown requested", zap.String("reason", reason))
	g.bus.Publish(events.EventAlert, events.Alert{Level: "critical", Message: "shutdown requested: " + reason})
	g.requestShutdown()
}

// ObserveCommand feeds metrics and the order execution health component.
func (g *Gateway) ObserveCommand(kind, transport string, err error, latency time.Duration) {
	g.metrics.ObserveCommand(kind, transport, err, latency)
	g.execs.record(err == nil)
}

// outcomeWindow is a fixed-size ring of recent command outcomes.
type outcomeWindow struct {
	mu     sync.Mutex
	ring   []bool
	next   int
	filled int
}

func newOutcomeWindow(size int) *outcomeWindow {
	return &outcomeWindow{ring: make([]bool, size)}
}

func (w *outcomeWindow) record(ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ring[w.next] = ok
	w.next = (w.next + 1) % len(w.ring)
	if w.filled < len(w.ring) {
		w.filled++
	}
}

// rate is 1 with no samples.
func (w *outcomeWindow) rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rateLocked()
}

func (w *outcomeWindow) rateLocked() float64 {
	if w.filled == 0 {
		return 1
	}
	ok := 0
	for i := 0; i < w.filled; i++ {
		if w.ring[i] {
			ok++
		}
	}
	return float64(ok) / float64(w.filled)
}

func (w *outcomeWindow) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled == 0 {
		return "no commands yet"
	}
	return fmt.Sprintf("%.0f%% of last %d commands succeeded", w.rateLocked()*100, w.filled)
}

package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"venue-gateway/internal/events"
)

// Runner ticks registered strategies on a fixed interval.
type Runner struct {
	state    State
	interval time.Duration
	log      *zap.Logger

	mu         sync.Mutex
	strategies []Strategy
	paused     map[string]bool
	failures   map[string]int
}

func NewRunner(state State, interval time.Duration, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Runner{
		state:    state,
		interval: interval,
		log:      log.Named("strategy"),
		paused:   make(map[string]bool),
		failures: make(map[string]int),
	}
}

// Add registers a strategy.
func (r *Runner) Add(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies = append(r.strategies, s)
}

// Pause stops ticking the named strategy until Resume.
func (r *Runner) Pause(name string) {
	r.mu.Lock()
	r.paused[name] = true
	r.mu.Unlock()
}

func (r *Runner) Resume(name string) {
	r.mu.Lock()
	delete(r.paused, name)
	r.mu.Unlock()
}

// Failures returns how many ticks of the named strategy returned an error
// or panicked.
func (r *Runner) Failures(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[name]
}

// Run ticks until ctx ends. Market pushes are forwarded to MarketAware
// strategies from the same goroutine, so no strategy is called concurrently.
func (r *Runner) Run(ctx context.Context) {
	market, unsub := r.state.Bus().Subscribe([]events.Event{events.EventMarketData}, 256)
	defer unsub()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.log.Info("strategy runner started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-market:
			if !ok {
				return
			}
			if md, ok := msg.Payload.(events.MarketData); ok {
				r.forwardMarket(md)
			}
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs every active strategy once.
func (r *Runner) Tick(ctx context.Context) {
	view := r.state.Ledger().View()
	report := r.state.HealthReport()
	for _, s := range r.active() {
		if err := r.call(s, func() error { return s.OnTick(ctx, view, report) }); err != nil {
			r.log.Warn("strategy tick failed", zap.String("strategy", s.Name()), zap.Error(err))
		}
	}
}

func (r *Runner) forwardMarket(md events.MarketData) {
	for _, s := range r.active() {
		ma, ok := s.(MarketAware)
		if !ok {
			continue
		}
		if err := r.call(s, func() error { ma.OnMarket(md); return nil }); err != nil {
			r.log.Warn("strategy market handler failed", zap.String("strategy", s.Name()), zap.Error(err))
		}
	}
}

func (r *Runner) active() []Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		if !r.paused[s.Name()] {
			out = append(out, s)
		}
	}
	return out
}

// call runs f and turns a panic into an error so one strategy cannot stop
// the runner.
func (r *Runner) call(s Strategy, f func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			r.mu.Lock()
			r.failures[s.Name()]++
			r.mu.Unlock()
		}
	}()
	return f()
}

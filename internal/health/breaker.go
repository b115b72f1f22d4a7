package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"venue-gateway/pkg/config"
)

// Status is the circuit breaker band.
type Status int

const (
	StatusNormal Status = iota
	StatusMinorPause
	StatusMajorCancel
	StatusCriticalShutdown
)

func (s Status) String() string {
	switch s {
	case StatusMinorPause:
		return "minor_pause"
	case StatusMajorCancel:
		return "major_cancel"
	case StatusCriticalShutdown:
		return "critical_shutdown"
	default:
		return "normal"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Actions are the breaker's self-protective side effects.
type Actions interface {
	Pause(reason string)
	Resume()
	CancelAll(reason string)
	Shutdown(reason string)
}

// Transition is a change of band.
type Transition struct {
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	Score float64   `json:"score"`
	At    time.Time `json:"at"`
}

// Report is the read-only health view handed to collaborators.
type Report struct {
	OverallScore float64     `json:"overallScore"`
	Status       Status      `json:"status"`
	Components   []Component `json:"components"`
	EvaluatedAt  time.Time   `json:"evaluatedAt"`
}

// Breaker maps the aggregate score onto bands and fires side effects once
// per downward crossing.
type Breaker struct {
	agg     *Aggregator
	actions Actions
	log     *zap.Logger

	mu         sync.Mutex
	thresholds config.Thresholds
	status     Status
	score      float64
	listeners  []func(Transition)
}

func NewBreaker(agg *Aggregator, th config.Thresholds, actions Actions, log *zap.Logger) *Breaker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Breaker{
		agg:        agg,
		actions:    actions,
		log:        log.Named("breaker"),
		thresholds: th,
		score:      1.0,
	}
}

// OnTransition registers f for every band change. Register before Run.
func (b *Breaker) OnTransition(f func(Transition)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, f)
	b.mu.Unlock()
}

// SetThresholds swaps the band boundaries; the next Evaluate applies them.
func (b *Breaker) SetThresholds(th config.Thresholds) {
	b.mu.Lock()
	b.thresholds = th
	b.mu.Unlock()
}

func band(score float64, th config.Thresholds) Status {
	switch {
	case score < th.CriticalShutdown:
		return StatusCriticalShutdown
	case score < th.MajorCancel:
		return StatusMajorCancel
	case score < th.MinorPause:
		return StatusMinorPause
	}
	return StatusNormal
}

// Evaluate recomputes the band and runs the side effects of entering it.
// It reports whether the band changed.
func (b *Breaker) Evaluate() (Transition, bool) {
	score := b.agg.OverallScore()

	b.mu.Lock()
	from := b.status
	to := band(score, b.thresholds)
	b.score = score
	b.status = to
	listeners := make([]func(Transition), len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	if from == to {
		return Transition{}, false
	}
	tr := Transition{From: from, To: to, Score: score, At: time.Now()}
	if to > from {
		b.log.Warn("health degraded",
			zap.String("from", from.String()), zap.String("to", to.String()), zap.Float64("score", score))
	} else {
		b.log.Info("health recovered",
			zap.String("from", from.String()), zap.String("to", to.String()), zap.Float64("score", score))
	}
	b.fire(tr)
	for _, f := range listeners {
		f(tr)
	}
	return tr, true
}

func (b *Breaker) fire(tr Transition) {
	if b.actions == nil {
		return
	}
	reason := tr.To.String()
	if tr.To < tr.From {
		if tr.To == StatusNormal {
			b.actions.Resume()
		}
		return
	}
	if tr.From == StatusNormal {
		b.actions.Pause(reason)
	}
	if tr.To >= StatusMajorCancel && tr.From < StatusMajorCancel {
		b.actions.CancelAll(reason)
	}
	if tr.To == StatusCriticalShutdown {
		b.actions.Shutdown(reason)
	}
}

// Status is the current band.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// PlacementAllowed reports whether new orders may be placed.
func (b *Breaker) PlacementAllowed() bool { return b.Status() < StatusMinorPause }

// AmendAllowed reports whether open orders may be amended.
func (b *Breaker) AmendAllowed() bool { return b.Status() < StatusMajorCancel }

// Report combines the aggregate with the current band.
func (b *Breaker) Report() Report {
	score, comps, at := b.agg.snapshot()
	return Report{
		OverallScore: score,
		Status:       b.Status(),
		Components:   comps,
		EvaluatedAt:  at,
	}
}

// Run evaluates every interval until ctx ends, calling before (if set) ahead
// of each evaluation. An evaluation in progress completes before Run returns.
func (b *Breaker) Run(ctx context.Context, interval time.Duration, before func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if before != nil {
				before()
			}
			b.Evaluate()
		}
	}
}

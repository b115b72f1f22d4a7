package common

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultOutcomeWindow = 100
	minAdaptSamples      = 10

	maxRateMultiplier = 1.5
	minRateMultiplier = 0.3
	maxBackoffFactor  = 5.0
)

// RateLimiterState is a point-in-time copy of the limiter internals.
type RateLimiterState struct {
	Tokens        float64 `json:"tokens"`
	Burst         int     `json:"burst"`
	BaseRate      float64 `json:"baseRate"`
	CurrentRate   float64 `json:"currentRate"`
	BackoffFactor float64 `json:"backoffFactor"`
	SuccessRate   float64 `json:"successRate"`
	Samples       int     `json:"samples"`
}

// RateLimiter is a token bucket whose refill rate adapts to the recent
// success rate of outbound requests. The bucket itself is a rate.Limiter;
// this type owns the adaptation and the backoff-scaled waits.
type RateLimiter struct {
	mu       sync.Mutex
	bucket   *rate.Limiter
	baseRate float64
	current  float64
	backoff  float64
	window   []bool
	next     int
	filled   int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a limiter refilling at rps tokens/s, capped at burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		bucket:   rate.NewLimiter(rate.Limit(rps), burst),
		baseRate: rps,
		current:  rps,
		backoff:  1,
		window:   make([]bool, defaultOutcomeWindow),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Acquire blocks until a token is available or ctx is done.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := rl.now()
		if rl.bucket.AllowN(now, 1) {
			rl.mu.Unlock()
			return nil
		}
		// Tokens are re-read after every sleep so the consumed token is derived
		// from the time that really elapsed.
		deficit := 1 - rl.bucket.TokensAt(now)
		wait := time.Duration(deficit / rl.current * rl.backoff * float64(time.Second))
		rl.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}
		if err := rl.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// RecordOutcome feeds one request result into the rolling window and adapts
// the refill rate.
func (rl *RateLimiter) RecordOutcome(success bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.window[rl.next] = success
	rl.next = (rl.next + 1) % len(rl.window)
	if rl.filled < len(rl.window) {
		rl.filled++
	}

	if success {
		rl.backoff = math.Max(1, rl.backoff*0.99)
	}
	if rl.filled <= minAdaptSamples {
		return
	}

	ratio := rl.successRateLocked()
	switch {
	case ratio >= 0.95:
		rl.current = math.Min(rl.baseRate*maxRateMultiplier, rl.current*1.05)
		rl.backoff = math.Max(1, rl.backoff*0.9)
	case ratio < 0.7:
		rl.current = math.Max(rl.baseRate*minRateMultiplier, rl.current*0.9)
		rl.backoff = math.Min(maxBackoffFactor, rl.backoff*1.2)
	default:
		rl.current = (rl.current + rl.baseRate) / 2
		rl.backoff = math.Max(1, rl.backoff*0.95)
	}
	rl.bucket.SetLimitAt(rl.now(), rate.Limit(rl.current))
}

// SetBase changes the base rate and burst. The current rate restarts from
// the new base; the outcome window is kept.
func (rl *RateLimiter) SetBase(rps float64, burst int) {
	if burst < 1 {
		burst = 1
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	rl.baseRate = rps
	rl.current = rps
	rl.bucket.SetLimitAt(now, rate.Limit(rps))
	rl.bucket.SetBurstAt(now, burst)
}

// SuccessRate returns the fraction of successes in the window, 1 when empty.
func (rl *RateLimiter) SuccessRate() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.successRateLocked()
}

func (rl *RateLimiter) successRateLocked() float64 {
	if rl.filled == 0 {
		return 1
	}
	ok := 0
	for i := 0; i < rl.filled; i++ {
		if rl.window[i] {
			ok++
		}
	}
	return float64(ok) / float64(rl.filled)
}

// State returns a copy of the limiter internals.
func (rl *RateLimiter) State() RateLimiterState {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return RateLimiterState{
		Tokens:        math.Max(0, rl.bucket.TokensAt(rl.now())),
		Burst:         rl.bucket.Burst(),
		BaseRate:      rl.baseRate,
		CurrentRate:   rl.current,
		BackoffFactor: rl.backoff,
		SuccessRate:   rl.successRateLocked(),
		Samples:       rl.filled,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

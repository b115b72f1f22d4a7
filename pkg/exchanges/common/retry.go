package common

import (
	"context"
	"errors"
	"time"
)

// OutcomeRecorder receives the result of every attempt.
type OutcomeRecorder interface {
	RecordOutcome(success bool)
}

// RetryPolicy bounds how a single request is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Classify    Classifier
	Recorder    OutcomeRecorder

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns 5 attempts with 2s base delay capped at 30s.
func DefaultRetryPolicy(classify Classifier, rec OutcomeRecorder) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Classify:    classify,
		Recorder:    rec,
	}
}

// ErrRetriesExhausted wraps the last error once MaxAttempts is reached.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Backoff returns the delay after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Run executes op until it succeeds, fails fatally or the attempt cap is hit.
// An idempotent-success rejection is returned as-is so callers can tell it
// apart from a plain success; it is recorded as a successful outcome.
func (p RetryPolicy) Run(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	classify := p.Classify
	if classify == nil {
		classify = func(err error) ErrorClass {
			c, _ := ClassifyTransport(err)
			return c
		}
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			p.record(true)
			return nil
		}

		class := classify(err)
		p.record(class == ClassIdempotentSuccess)
		switch class {
		case ClassIdempotentSuccess, ClassFatal:
			return err
		}

		lastErr = err
		if attempt == attempts {
			break
		}
		if serr := sleep(ctx, p.Backoff(attempt)); serr != nil {
			return errors.Join(serr, lastErr)
		}
	}
	return errors.Join(ErrRetriesExhausted, lastErr)
}

func (p RetryPolicy) record(success bool) {
	if p.Recorder != nil {
		p.Recorder.RecordOutcome(success)
	}
}

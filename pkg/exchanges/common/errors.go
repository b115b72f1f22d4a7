package common

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass tells a retry loop what to do with a failed attempt.
type ErrorClass int

const (
	// ClassFatal errors are surfaced immediately.
	ClassFatal ErrorClass = iota
	// ClassRetryable errors are retried with backoff.
	ClassRetryable
	// ClassIdempotentSuccess marks a rejection whose desired end state already holds.
	ClassIdempotentSuccess
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassIdempotentSuccess:
		return "idempotent-success"
	default:
		return "fatal"
	}
}

// Classifier maps an error to its class.
type Classifier func(error) ErrorClass

var ErrOrderNotFound = errors.New("order not found")

// VenueError is a non-zero retCode returned by the venue.
type VenueError struct {
	Op   string
	Code int
	Msg  string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("%s: venue retCode=%d: %s", e.Op, e.Code, e.Msg)
}

// TransportError is a failure below the venue protocol: dial, read, write or
// an HTTP status without a decodable body.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: http status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the transport failure is worth another attempt.
func (e *TransportError) Retryable() bool {
	switch {
	case e.Status == 0:
		return true
	case e.Status == 403, e.Status == 408, e.Status == 429:
		return true
	case e.Status >= 500:
		return true
	}
	return false
}

// ClassifyTransport handles the errors every venue shares: context
// cancellation, network failures and HTTP-level errors. ok is false when the
// error carries no transport information.
func ClassifyTransport(err error) (class ErrorClass, ok bool) {
	if errors.Is(err, context.Canceled) {
		return ClassFatal, true
	}
	var te *TransportError
	if errors.As(err, &te) {
		if te.Retryable() {
			return ClassRetryable, true
		}
		return ClassFatal, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable, true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassRetryable, true
	}
	return ClassFatal, false
}

package worker

import (
	"context"
	"errors"
)

var (
	// ErrStageFatal is returned when the fatal fraction of a batch exceeds the ceiling
	ErrStageFatal = errors.New("fatal failure ratio exceeded")

	// ErrAborted is returned when a batch was cancelled before every item ran
	ErrAborted = errors.New("batch aborted")
)

type retryable interface {
	Retryable() bool
}

type rateExceeded interface {
	RateExceeded() bool
}

// IsRetryable reports whether err is a transient failure worth retrying.
// Errors opt in by implementing Retryable() bool; deadline errors always retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if IsRateExceeded(err) {
		return true
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// IsRateExceeded reports whether err signals that the external rate limit was hit
func IsRateExceeded(err error) bool {
	var r rateExceeded
	if errors.As(err, &r) {
		return r.RateExceeded()
	}
	return false
}

// transient marks an error as retryable
type transient struct {
	err error
}

func (e *transient) Error() string   { return e.err.Error() }
func (e *transient) Unwrap() error   { return e.err }
func (e *transient) Retryable() bool { return true }

// Transient wraps err so the dispatcher retries it
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transient{err: err}
}

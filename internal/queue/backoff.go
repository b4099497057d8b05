package queue

import (
	"errors"
	"time"
)

// Backoff returns the delay before the next run after attempt failures:
// base, 2*base, 4*base, ... capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job is dead-lettered at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var perr *permanentError
	return errors.As(err, &perr)
}

type deferredError struct {
	err   error
	until time.Time
}

func (e *deferredError) Error() string { return e.err.Error() }
func (e *deferredError) Unwrap() error { return e.err }

// RetryAt postpones the job until the given time without spending one of its
// attempts. Handlers return it when the work is held by someone else and the
// job could not start at all.
func RetryAt(err error, until time.Time) error {
	if err == nil {
		return nil
	}
	return &deferredError{err: err, until: until}
}

// DeferredUntil reports whether err came from RetryAt and when the job is due.
func DeferredUntil(err error) (time.Time, bool) {
	var derr *deferredError
	if errors.As(err, &derr) {
		return derr.until, true
	}
	return time.Time{}, false
}

// Package retry provides bounded retry loops with deterministic exponential
// backoff. Jitter is a PRF of the caller's key and the attempt index, never
// a random source, so replayed sessions observe identical schedules.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

// DefaultPolicy suits short-lived external calls (LLM, web search).
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		MaxJitter:   250 * time.Millisecond,
		MaxAttempts: 3,
	}
}

// Delay returns the wait before retrying attempt (0-based: attempt 0 is the
// first retry). The base doubles per attempt and caps at MaxDelay; jitter is
// derived from key and attempt.
func (p Policy) Delay(key string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}
	delay := time.Duration(factor) * p.BaseDelay
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay + p.jitter(key, attempt)
}

func (p Policy) jitter(key string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(p.MaxJitter))
}

// permanentError marks an error as not worth retrying.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do stops immediately instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do runs fn up to MaxAttempts times, sleeping the policy delay between
// attempts. It stops early on success, on a Permanent error, or when ctx is
// done; the last error is returned.
func Do(ctx context.Context, p Policy, key string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay(key, attempt-1)):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(lastErr, &pe) {
			return pe.err
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

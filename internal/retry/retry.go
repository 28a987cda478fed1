// Package retry provides the shared retry policy used for chain reads and
// confirmation polling: exponential backoff with jitter for idempotent
// reads, and fixed-delay bounded polling parameterized by network tier.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1 // ensure fits in int64
	return int64(v % uint64(n))
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// baseDelay is doubled on each retry with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts-1 {
			break
		}

		// Exponential backoff with +-25% jitter.
		jitter := delay / 4
		sleep := delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
	}

	return err
}

// Tier selects a polling profile for the target network. Production
// networks confirm more slowly than devnet, so they get a longer budget.
type Tier string

const (
	TierDevnet  Tier = "devnet"
	TierMainnet Tier = "mainnet"
)

// Profile is a fixed-delay bounded polling policy.
type Profile struct {
	MaxAttempts int
	Delay       time.Duration
}

// ConfirmProfile returns the confirmation-polling profile for a tier.
func ConfirmProfile(t Tier) Profile {
	if t == TierMainnet {
		return Profile{MaxAttempts: 30, Delay: 2 * time.Second}
	}
	return Profile{MaxAttempts: 15, Delay: 2 * time.Second}
}

// ErrExhausted is returned by Poll when all attempts complete without a
// terminal answer from fn.
var ErrExhausted = errors.New("retry: polling attempts exhausted")

// Poll calls fn at fixed intervals until it reports done, returns an
// error, the attempts are exhausted, or ctx is cancelled. fn returning
// (false, nil) means "not yet"; an error from fn is terminal.
func (p Profile) Poll(ctx context.Context, fn func() (done bool, err error)) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		done, err := fn()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay):
		}
	}

	return ErrExhausted
}

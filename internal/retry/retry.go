// Package retry provides jittered exponential backoff for transport and broker calls.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"
)

// Policy describes how many attempts an operation gets and how long to wait between them.
type Policy struct {
	// MaxAttempts bounds the total number of attempts, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter randomizes the lower half of each delay when true.
	Jitter bool
	// Retryable overrides the default classification of errors.
	Retryable func(error) bool
}

// DefaultPolicy returns the backoff used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      true,
	}
}

// ShouldRetry reports whether another attempt is allowed after failures
// attempts have failed with err.
func (p Policy) ShouldRetry(err error, failures int) bool {
	if err == nil {
		return false
	}
	if failures >= p.maxAttempts() {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// Backoff returns the wait before the attempt that follows failures failed attempts.
func (p Policy) Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		return 0
	}
	delay := float64(base) * math.Pow(2, float64(failures-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if !p.Jitter {
		return time.Duration(delay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Do runs fn until it succeeds, the policy gives up, or ctx ends. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	var lastErr error
	for failures := 0; ; {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		failures++
		if !p.ShouldRetry(lastErr, failures) {
			return lastErr
		}
		timer := time.NewTimer(p.Backoff(failures))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 3}
	tests := []struct {
		name     string
		err      error
		failures int
		want     bool
	}{
		{name: "nil error", err: nil, failures: 1, want: false},
		{name: "first failure", err: errBoom, failures: 1, want: true},
		{name: "second failure", err: errBoom, failures: 2, want: true},
		{name: "attempts exhausted", err: errBoom, failures: 3, want: false},
		{name: "canceled", err: context.Canceled, failures: 1, want: false},
		{name: "deadline", err: context.DeadlineExceeded, failures: 1, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, p.ShouldRetry(tc.err, tc.failures))
		})
	}
}

func TestShouldRetryHonorsClassifier(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 5, Retryable: func(err error) bool { return !errors.Is(err, errBoom) }}
	require.False(t, p.ShouldRetry(errBoom, 1))
	require.True(t, p.ShouldRetry(errors.New("flaky"), 1))
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	require.Equal(t, 100*time.Millisecond, p.Backoff(1))
	require.Equal(t, 200*time.Millisecond, p.Backoff(2))
	require.Equal(t, 300*time.Millisecond, p.Backoff(3))
	require.Equal(t, 300*time.Millisecond, p.Backoff(10))
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: true}
	for i := 0; i < 50; i++ {
		got := p.Backoff(2)
		require.GreaterOrEqual(t, got, 100*time.Millisecond)
		require.Less(t, got, 200*time.Millisecond)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoReturnsLastError(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, 2, calls)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 10, BaseDelay: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errBoom
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

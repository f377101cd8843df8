package fault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func fastRetry(attempts int) RetryConfig {
	cfg := DefaultRetry()
	cfg.MaxAttempts = attempts
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), "flaky_call", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return New(NetworkTimeout, "timeout")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryExhaustion(t *testing.T) {
	last := New(ServiceUnavailable, "still down")
	calls := 0
	err := Retry(context.Background(), fastRetry(3), "dead_call", func(ctx context.Context) error {
		calls++
		return last
	})
	require.Equal(t, 3, calls)

	fe, ok := As(err)
	require.True(t, ok)
	require.Equal(t, ExternalService, fe.Code)
	require.Equal(t, CategoryIntegration, fe.Category)
	require.ErrorIs(t, err, last)
	require.NotNil(t, fe.Remediation)
	require.Contains(t, fe.Remediation.RetryStrategy, "3 attempts")
	require.Equal(t, "dead_call", fe.Context.Operation)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	orig := New(Validation, "bad payload")
	err := Retry(context.Background(), fastRetry(5), "validate", func(ctx context.Context) error {
		calls++
		return orig
	})
	require.Equal(t, 1, calls)
	require.Same(t, orig, err.(*Error))
}

func TestRetryIgnoresForeignErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(5), "foreign", func(ctx context.Context) error {
		calls++
		return errors.New("untagged")
	})
	require.Equal(t, 1, calls, "foreign errors give no retry signal")
	require.EqualError(t, err, "untagged")
}

func TestRetryStopOnCode(t *testing.T) {
	cfg := fastRetry(5)
	cfg.StopOn = []Code{RateLimit}
	calls := 0
	err := Retry(context.Background(), cfg, "rate_limited", func(ctx context.Context) error {
		calls++
		return New(RateLimit, "429")
	})
	require.Equal(t, 1, calls)
	fe, _ := As(err)
	require.Equal(t, RateLimit, fe.Code)
}

func TestRetryValueReturnsValue(t *testing.T) {
	calls := 0
	v, err := RetryValue(context.Background(), fastRetry(3), "fetch", func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, New(NetworkTimeout, "timeout")
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestRetryHonorsContextCancel(t *testing.T) {
	cfg := fastRetry(5)
	cfg.BaseDelay = time.Minute
	cfg.MaxDelay = time.Minute
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, cfg, "slow", func(ctx context.Context) error {
			return New(NetworkTimeout, "timeout")
		})
	}()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not stop on context cancel")
	}
}

func TestDelayBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := RetryConfig{
			BaseDelay:  time.Duration(rapid.Int64Range(int64(time.Millisecond), int64(time.Second)).Draw(t, "base")),
			MaxDelay:   time.Duration(rapid.Int64Range(int64(time.Second), int64(time.Minute)).Draw(t, "max")),
			Multiplier: rapid.Float64Range(1.0, 3.0).Draw(t, "mult"),
			Jitter:     rapid.Float64Range(0, 0.1).Draw(t, "jitter"),
		}
		attempt := rapid.IntRange(0, 8).Draw(t, "attempt")

		d := cfg.delay(attempt)
		ceiling := time.Duration(float64(cfg.MaxDelay) * (1 + cfg.Jitter))
		if d < 0 || d > ceiling {
			t.Fatalf("delay %v outside [0, %v]", d, ceiling)
		}
	})
}

func TestDelayCapsAtMax(t *testing.T) {
	cfg := RetryConfig{
		BaseDelay:  time.Second,
		MaxDelay:   4 * time.Second,
		Multiplier: 2.0,
	}
	require.Equal(t, time.Second, cfg.delay(0))
	require.Equal(t, 2*time.Second, cfg.delay(1))
	require.Equal(t, 4*time.Second, cfg.delay(2))
	require.Equal(t, 4*time.Second, cfg.delay(10), "growth stops at the cap")
}

package fault

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"time"
)

// RetryConfig controls the retry primitive.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the symmetric fraction applied to each delay, e.g. 0.1
	// for plus/minus ten percent. Zero disables jitter.
	Jitter float64
	// RetryOn lists the categories eligible for retry.
	RetryOn []Category
	// StopOn lists codes that abort retrying regardless of category.
	StopOn []Code
}

// DefaultRetry returns the standard policy for external calls.
func DefaultRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
		RetryOn:     []Category{CategoryTransient, CategoryIntegration},
	}
}

// delay computes the backoff for the given 0-based attempt.
func (c RetryConfig) delay(attempt int) time.Duration {
	base := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))
	if max := float64(c.MaxDelay); base > max {
		base = max
	}
	if c.Jitter > 0 {
		// rand in [-jitter, +jitter)
		base += base * c.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(base)
}

// shouldRetry reports whether err is eligible for another attempt. Only
// tagged errors are retried: a foreign error gives no safety signal.
func (c RetryConfig) shouldRetry(err error) bool {
	fe, ok := As(err)
	if !ok {
		return false
	}
	if !fe.Retryable {
		return false
	}
	if slices.Contains(c.StopOn, fe.Code) {
		return false
	}
	return slices.Contains(c.RetryOn, fe.Category)
}

// Retry invokes fn up to cfg.MaxAttempts times, sleeping the configured
// backoff between attempts. Exhaustion surfaces as an EXTERNAL_SERVICE error
// whose cause is the last failure.
func Retry(ctx context.Context, cfg RetryConfig, operation string, fn func(ctx context.Context) error) error {
	_, err := RetryValue(ctx, cfg, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryValue is Retry for functions returning a value.
func RetryValue[T any](ctx context.Context, cfg RetryConfig, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, cfg.delay(attempt-1)); err != nil {
				return zero, Wrap(err, "retry interrupted", WithOperation(operation))
			}
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !cfg.shouldRetry(err) {
			return zero, err
		}
	}
	return zero, New(ExternalService,
		fmt.Sprintf("%s failed after %d attempts", operation, cfg.MaxAttempts),
		WithCause(lastErr),
		WithOperation(operation),
		WithRemediation(&Remediation{
			RetryStrategy: fmt.Sprintf("exhausted %d attempts with exponential backoff", cfg.MaxAttempts),
			Immediate:     "check the integration's availability before retrying",
		}),
	)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

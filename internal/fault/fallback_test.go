package fault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marcushq/marcus/internal/cache"
)

func TestFallbackPrimarySuccess(t *testing.T) {
	fellBack := false
	f := NewFallback("board_summary", func(ctx context.Context) (string, error) {
		return "primary", nil
	}).Add(1, func(ctx context.Context) (string, error) {
		fellBack = true
		return "alt", nil
	})

	v, err := f.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, "primary", v)
	require.False(t, fellBack)
}

func TestFallbackPriorityOrder(t *testing.T) {
	var order []string
	f := NewFallback("chain", func(ctx context.Context) (string, error) {
		return "", errors.New("primary down")
	})
	f.Add(2, func(ctx context.Context) (string, error) {
		order = append(order, "second")
		return "", errors.New("nope")
	})
	f.Add(1, func(ctx context.Context) (string, error) {
		order = append(order, "first")
		return "from-first", nil
	})

	v, err := f.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, "from-first", v)
	require.Equal(t, []string{"first"}, order, "lower priority runs first and wins")
}

func TestFallbackServesCachedResult(t *testing.T) {
	c := cache.NewTTL[string](time.Minute)
	healthy := true
	f := NewFallback("summary", func(ctx context.Context) (string, error) {
		if healthy {
			return "fresh", nil
		}
		return "", New(ServiceUnavailable, "down")
	}).WithCache(c, "summary")

	v, err := f.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, "fresh", v)

	healthy = false
	v, err = f.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, "fresh", v, "stale cache beats total failure")
}

func TestFallbackExhausted(t *testing.T) {
	primaryErr := New(ServiceUnavailable, "primary down")
	f := NewFallback("chain", func(ctx context.Context) (string, error) {
		return "", primaryErr
	}).Add(1, func(ctx context.Context) (string, error) {
		return "", errors.New("alt down too")
	})

	_, err := f.Execute(context.Background())
	fe, ok := As(err)
	require.True(t, ok)
	require.Equal(t, ExternalService, fe.Code)
	require.ErrorIs(t, err, primaryErr)
	require.Equal(t, "exhausted", fe.Remediation.Fallback)
	require.Equal(t, 1, fe.Context.Custom["fallbacks_tried"])
}

func TestFallbackStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	f := NewFallback("chain", func(ctx context.Context) (string, error) {
		cancel()
		return "", errors.New("primary down")
	}).Add(1, func(ctx context.Context) (string, error) {
		calls++
		return "alt", nil
	})

	_, err := f.Execute(ctx)
	require.Error(t, err)
	require.Zero(t, calls, "fallbacks are skipped once the context is done")
}

package fault

import (
	"context"
	"fmt"
	"sort"

	"github.com/marcushq/marcus/internal/cache"
)

// Fallback chains a primary function with ordered alternatives. Lower
// priority runs first. An optional cache key serves stale results when the
// whole chain fails.
type Fallback[T any] struct {
	name      string
	primary   func(ctx context.Context) (T, error)
	alts      []fallbackEntry[T]
	cache     *cache.TTL[T]
	cacheKey  string
	useCached bool
}

type fallbackEntry[T any] struct {
	priority int
	seq      int
	fn       func(ctx context.Context) (T, error)
}

// NewFallback builds a fallback chain around primary.
func NewFallback[T any](name string, primary func(ctx context.Context) (T, error)) *Fallback[T] {
	return &Fallback[T]{name: name, primary: primary}
}

// Add registers an alternative. Lower priority runs first; equal priorities
// run in registration order.
func (f *Fallback[T]) Add(priority int, fn func(ctx context.Context) (T, error)) *Fallback[T] {
	f.alts = append(f.alts, fallbackEntry[T]{priority: priority, seq: len(f.alts), fn: fn})
	sort.SliceStable(f.alts, func(i, j int) bool {
		if f.alts[i].priority != f.alts[j].priority {
			return f.alts[i].priority < f.alts[j].priority
		}
		return f.alts[i].seq < f.alts[j].seq
	})
	return f
}

// WithCache caches the primary's result under key and serves it when the
// whole chain fails.
func (f *Fallback[T]) WithCache(c *cache.TTL[T], key string) *Fallback[T] {
	f.cache = c
	f.cacheKey = key
	f.useCached = true
	return f
}

// Execute runs the chain: primary first, then alternatives in priority
// order, then the cached result if one exists. Exhaustion surfaces as an
// EXTERNAL_SERVICE error whose cause is the primary failure.
func (f *Fallback[T]) Execute(ctx context.Context) (T, error) {
	v, primaryErr := f.primary(ctx)
	if primaryErr == nil {
		if f.useCached && f.cache != nil {
			f.cache.Set(f.cacheKey, v)
		}
		return v, nil
	}

	for _, alt := range f.alts {
		if err := ctx.Err(); err != nil {
			break
		}
		if v, err := alt.fn(ctx); err == nil {
			return v, nil
		}
	}

	if f.useCached && f.cache != nil {
		if cached, ok := f.cache.Get(f.cacheKey); ok {
			return cached, nil
		}
	}

	var zero T
	return zero, New(ExternalService,
		fmt.Sprintf("%s failed and all fallbacks exhausted", f.name),
		WithCause(primaryErr),
		WithOperation(f.name),
		WithCustom("fallbacks_tried", len(f.alts)),
		WithRemediation(&Remediation{
			Fallback:  "exhausted",
			Immediate: "check the primary integration's availability",
		}),
	)
}

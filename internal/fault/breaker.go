package fault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker states as exposed in snapshots and alerts.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker open.
	FailureThreshold int
	// SuccessThreshold is the half-open success count that closes it.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before admitting trials.
	Timeout time.Duration
	// MonitorWindow bounds the failure-timestamp history kept for
	// snapshots; closed-state counters also reset on this cadence.
	MonitorWindow time.Duration
}

// DefaultBreaker returns the standard breaker tuning.
func DefaultBreaker() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		MonitorWindow:    60 * time.Second,
	}
}

// BreakerState is a point-in-time snapshot of one breaker.
type BreakerState struct {
	Name                string     `json:"name"`
	State               string     `json:"state"`
	FailuresInWindow    int        `json:"failures_in_window"`
	ConsecutiveFailures uint32     `json:"consecutive_failures"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	NextAttempt         *time.Time `json:"next_attempt_time,omitempty"`
}

// Breaker guards one named dependency. State transitions are delegated to
// gobreaker; the wrapper adds the failure-timestamp window, open-error
// tagging, and snapshotting.
type Breaker struct {
	name string
	cfg  BreakerConfig
	cb   *gobreaker.CircuitBreaker

	mu          sync.Mutex
	failures    []time.Time
	lastFailure *time.Time
	openedAt    *time.Time

	onChange func(name, from, to string)
}

// NewBreaker builds a breaker for the named dependency. onChange, when
// non-nil, observes every state transition; it must not call back into the
// breaker.
func NewBreaker(name string, cfg BreakerConfig, onChange func(name, from, to string)) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreaker().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultBreaker().SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBreaker().Timeout
	}
	if cfg.MonitorWindow <= 0 {
		cfg.MonitorWindow = DefaultBreaker().MonitorWindow
	}
	b := &Breaker{name: name, cfg: cfg, onChange: onChange}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Interval:    cfg.MonitorWindow,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: b.stateChanged,
	})
	return b
}

// Name returns the dependency this breaker guards.
func (b *Breaker) Name() string { return b.name }

// stateChanged runs under gobreaker's lock, so it must only touch the
// wrapper's own fields.
func (b *Breaker) stateChanged(name string, from, to gobreaker.State) {
	now := time.Now().UTC()
	b.mu.Lock()
	if to == gobreaker.StateOpen {
		b.openedAt = &now
	} else {
		b.openedAt = nil
	}
	b.mu.Unlock()
	if b.onChange != nil {
		b.onChange(name, stateString(from), stateString(to))
	}
}

// Execute runs fn through the breaker. Fast-fail rejections surface as a
// tagged EXTERNAL_SERVICE error with operation "circuit_breaker_open" and a
// next_attempt_time remediation.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteValue(b, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteValue is Execute for functions returning a value.
func ExecuteValue[T any](b *Breaker, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	out, err := b.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, b.openError()
		}
		b.recordFailure()
		return zero, err
	}
	v, ok := out.(T)
	if !ok {
		return zero, New(CorruptedState, fmt.Sprintf("breaker %s returned unexpected value type", b.name))
	}
	return v, nil
}

func (b *Breaker) openError() *Error {
	b.mu.Lock()
	var next *time.Time
	if b.openedAt != nil {
		t := b.openedAt.Add(b.cfg.Timeout)
		next = &t
	}
	b.mu.Unlock()
	// Not retryable: retrying into an open breaker only burns the backoff
	// budget, and callers need the open-state contract intact.
	return New(ExternalService,
		fmt.Sprintf("circuit breaker %s is open", b.name),
		WithOperation("circuit_breaker_open"),
		WithIntegration(b.name),
		WithRetryable(false),
		WithRemediation(&Remediation{
			Immediate:   "wait for the breaker timeout before retrying",
			Fallback:    "route the call through a configured fallback",
			NextAttempt: next,
		}),
	)
}

// recordFailure appends a failure timestamp and trims the rolling window.
func (b *Breaker) recordFailure() {
	now := time.Now().UTC()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = &now
	b.failures = append(b.failures, now)
	cutoff := now.Add(-b.cfg.MonitorWindow)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	b.failures = b.failures[i:]
}

// Snapshot returns the breaker's current state. The gobreaker state is read
// before the wrapper lock to keep lock order one-way.
func (b *Breaker) Snapshot() BreakerState {
	st := b.cb.State()
	counts := b.cb.Counts()
	now := time.Now().UTC()
	cutoff := now.Add(-b.cfg.MonitorWindow)

	b.mu.Lock()
	defer b.mu.Unlock()
	inWindow := 0
	for _, t := range b.failures {
		if !t.Before(cutoff) {
			inWindow++
		}
	}
	s := BreakerState{
		Name:                b.name,
		State:               stateString(st),
		FailuresInWindow:    inWindow,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		LastFailure:         b.lastFailure,
		OpenedAt:            b.openedAt,
	}
	if b.openedAt != nil {
		t := b.openedAt.Add(b.cfg.Timeout)
		s.NextAttempt = &t
	}
	return s
}

func stateString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// BreakerSet manages one breaker per named dependency.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	onChange func(name, from, to string)
	breakers map[string]*Breaker
}

// NewBreakerSet builds a set creating breakers with cfg on first use.
func NewBreakerSet(cfg BreakerConfig, onChange func(name, from, to string)) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		onChange: onChange,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (s *BreakerSet) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, s.cfg, s.onChange)
	s.breakers[name] = b
	return b
}

// Snapshots returns the state of every breaker, sorted by name.
func (s *BreakerSet) Snapshots() []BreakerState {
	s.mu.Lock()
	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b)
	}
	s.mu.Unlock()

	out := make([]BreakerState, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

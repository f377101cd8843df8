// Package clock abstracts time for components that run on periodic ticks,
// so tests can drive them deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and ticker construction.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTicker returns a ticker that fires every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks on a channel until stopped.
type Ticker interface {
	// C returns the tick channel.
	C() <-chan time.Time

	// Stop shuts the ticker down. It does not close the channel.
	Stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (rt *realTicker) C() <-chan time.Time { return rt.t.C }
func (rt *realTicker) Stop()               { rt.t.Stop() }

// Fake is a manually advanced Clock for tests. Advance moves time forward
// and fires any tickers whose period has elapsed, once per elapsed period.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

// NewFake returns a Fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NewTicker returns a ticker driven by Advance.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{
		ch:     make(chan time.Time, 1),
		period: d,
		next:   f.now.Add(d),
		clock:  f,
	}
	f.tickers = append(f.tickers, t)
	return t
}

// Advance moves the clock forward by d, firing due tickers. Sends are
// non-blocking: a tick is dropped if the consumer has not drained the
// previous one, matching time.Ticker semantics.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := f.now.Add(d)
	for {
		// Find the earliest pending tick at or before target.
		var earliest *fakeTicker
		for _, t := range f.tickers {
			if t.stopped || t.next.After(target) {
				continue
			}
			if earliest == nil || t.next.Before(earliest.next) {
				earliest = t
			}
		}
		if earliest == nil {
			break
		}
		f.now = earliest.next
		earliest.next = earliest.next.Add(earliest.period)
		select {
		case earliest.ch <- f.now:
		default:
		}
	}
	f.now = target
}

type fakeTicker struct {
	ch      chan time.Time
	period  time.Duration
	next    time.Time
	stopped bool
	clock   *Fake
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresDueTickers(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake := NewFake(start)
	ticker := fake.NewTicker(time.Minute)

	fake.Advance(30 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired before its period elapsed")
	default:
	}

	fake.Advance(30 * time.Second)
	select {
	case tick := <-ticker.C():
		require.Equal(t, start.Add(time.Minute), tick)
	default:
		t.Fatal("ticker did not fire after a full period")
	}
}

func TestFakeAdvanceDropsUndrainedTicks(t *testing.T) {
	fake := NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	ticker := fake.NewTicker(time.Second)

	// Three periods elapse but only one tick is buffered.
	fake.Advance(3 * time.Second)

	<-ticker.C()
	select {
	case <-ticker.C():
		t.Fatal("expected undrained ticks to be dropped")
	default:
	}
}

func TestFakeStoppedTickerDoesNotFire(t *testing.T) {
	fake := NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	ticker := fake.NewTicker(time.Second)
	ticker.Stop()

	fake.Advance(5 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeNowTracksAdvance(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	fake := NewFake(start)
	fake.Advance(90 * time.Second)
	require.Equal(t, start.Add(90*time.Second), fake.Now())
}

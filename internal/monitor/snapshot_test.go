package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marcushq/marcus/internal/clock"
	"github.com/marcushq/marcus/internal/fault"
)

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor", "snapshot.json")
	clk := clock.NewFake(testStart)

	cfg := DefaultConfig()
	cfg.FrequencyThreshold = 3
	cfg.SnapshotPath = path

	m := New(cfg, clk)
	for i := 0; i < 3; i++ {
		m.Record(fault.New(fault.NetworkTimeout, "timeout", fault.WithOperation("pull")))
	}
	m.appendHistory(clk.Now())
	require.NoError(t, m.Save())

	// A fresh monitor over the same path restores patterns and history.
	restored := New(cfg, clk)
	pats := restored.Patterns()
	require.NotEmpty(t, pats)
	require.Equal(t, PatternFrequency, pats[0].Kind)
	require.Len(t, restored.History(), 1)
	require.NotEmpty(t, restored.Groups())
}

func TestSnapshotCorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	cfg := DefaultConfig()
	cfg.SnapshotPath = path
	m := New(cfg, clock.NewFake(testStart))
	require.Empty(t, m.Patterns())
}

func TestSnapshotDisabledWithoutPath(t *testing.T) {
	m := New(DefaultConfig(), clock.NewFake(testStart))
	require.NoError(t, m.Save())
}

func TestCleanupDropsStaleState(t *testing.T) {
	m, clk := testMonitor(t)

	for i := 0; i < 5; i++ {
		m.Record(fault.New(fault.NetworkTimeout, "t", fault.WithAgent("a1")))
	}
	require.NotEmpty(t, m.Patterns())

	clk.Advance(8 * 24 * time.Hour)
	m.cleanup(clk.Now())

	require.Empty(t, m.Patterns())
	require.Empty(t, m.Groups())
}

func TestHistoryTrimsToBound(t *testing.T) {
	m, clk := testMonitor(t)
	for i := 0; i < historyMaxEntry+5; i++ {
		m.appendHistory(clk.Now())
		clk.Advance(time.Second)
	}
	require.Len(t, m.History(), historyMaxEntry)
}

func TestRunWorkerTicks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	clk := clock.NewFake(testStart)
	cfg := DefaultConfig()
	cfg.SnapshotPath = path
	m := New(cfg, clk)
	m.Record(fault.New(fault.NetworkTimeout, "t"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	// Advance inside the poll: the worker may not have built its ticker yet.
	require.Eventually(t, func() bool {
		clk.Advance(workerInterval)
		return len(m.History()) >= 1
	}, 2*time.Second, 10*time.Millisecond, "tick appends a metrics point")

	cancel()
	<-done

	_, err := os.Stat(path)
	require.NoError(t, err, "shutdown writes a final snapshot")
}

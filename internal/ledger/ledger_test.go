package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/marcushq/marcus/internal/kanban"
)

var testTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func tempLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assignments.json")
	l, err := Open(path)
	require.NoError(t, err)
	return l, path
}

func record(taskID string) Assignment {
	return Assignment{
		TaskID:             taskID,
		AssignedAt:         testTime,
		StatusAtAssignment: kanban.StatusTodo,
		LastHeartbeat:      testTime,
	}
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	l, _ := tempLedger(t)
	require.Equal(t, 0, l.Len())
	require.Empty(t, l.All())
}

func TestAddGetRemove(t *testing.T) {
	l, _ := tempLedger(t)

	require.NoError(t, l.Add("agent-1", record("T-1")))

	got, ok := l.Get("agent-1")
	require.True(t, ok)
	require.Equal(t, "T-1", got.TaskID)
	require.Equal(t, kanban.StatusTodo, got.StatusAtAssignment)

	require.NoError(t, l.Remove("agent-1"))
	_, ok = l.Get("agent-1")
	require.False(t, ok)
	require.Equal(t, 0, l.Len())
}

func TestAddRejectsBusyAgent(t *testing.T) {
	l, _ := tempLedger(t)

	require.NoError(t, l.Add("agent-1", record("T-1")))
	err := l.Add("agent-1", record("T-2"))
	require.ErrorIs(t, err, ErrAgentAssigned)

	// The original entry survives the rejected write.
	got, _ := l.Get("agent-1")
	require.Equal(t, "T-1", got.TaskID)
}

func TestAddRejectsHeldTask(t *testing.T) {
	l, _ := tempLedger(t)

	require.NoError(t, l.Add("agent-1", record("T-1")))
	err := l.Add("agent-2", record("T-1"))
	require.ErrorIs(t, err, ErrTaskAssigned)
	require.Equal(t, 1, l.Len())
}

func TestAddDefaultsHeartbeatToAssignedAt(t *testing.T) {
	l, _ := tempLedger(t)

	rec := record("T-1")
	rec.LastHeartbeat = time.Time{}
	require.NoError(t, l.Add("agent-1", rec))

	got, _ := l.Get("agent-1")
	require.Equal(t, testTime, got.LastHeartbeat)
}

func TestRemoveAbsentIsNoop(t *testing.T) {
	l, _ := tempLedger(t)
	require.NoError(t, l.Remove("nobody"))
}

func TestUpdateHeartbeat(t *testing.T) {
	l, _ := tempLedger(t)
	require.NoError(t, l.Add("agent-1", record("T-1")))

	later := testTime.Add(5 * time.Minute)
	require.NoError(t, l.UpdateHeartbeat("agent-1", later))

	got, _ := l.Get("agent-1")
	require.Equal(t, later, got.LastHeartbeat)
	require.Equal(t, testTime, got.AssignedAt)

	require.ErrorIs(t, l.UpdateHeartbeat("ghost", later), ErrNoAssignment)
}

func TestAssignedTaskIDs(t *testing.T) {
	l, _ := tempLedger(t)
	require.NoError(t, l.Add("agent-1", record("T-1")))
	require.NoError(t, l.Add("agent-2", record("T-2")))

	ids := l.AssignedTaskIDs()
	require.Len(t, ids, 2)
	require.Contains(t, ids, "T-1")
	require.Contains(t, ids, "T-2")
}

func TestReopenRestoresEntries(t *testing.T) {
	l, path := tempLedger(t)
	require.NoError(t, l.Add("agent-1", record("T-1")))
	require.NoError(t, l.Add("agent-2", record("T-2")))
	require.NoError(t, l.UpdateHeartbeat("agent-2", testTime.Add(time.Minute)))
	require.NoError(t, l.Remove("agent-1"))

	reopened, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, l.All(), reopened.All())
	require.Equal(t, 1, reopened.Len())
}

func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		path := filepath.Join(t.TempDir(), "assignments.json")
		l, err := Open(path)
		require.NoError(t, err)

		agents := []string{"a1", "a2", "a3", "a4"}
		ops := rapid.IntRange(1, 25).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			agent := rapid.SampledFrom(agents).Draw(t, "agent")
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				rec := record(fmt.Sprintf("T-%d", i))
				rec.AssignedAt = testTime.Add(time.Duration(i) * time.Second)
				rec.LastHeartbeat = rec.AssignedAt
				// Conflicts are expected; the map stays consistent either way.
				_ = l.Add(agent, rec)
			case 1:
				require.NoError(t, l.Remove(agent))
			case 2:
				_ = l.UpdateHeartbeat(agent, testTime.Add(time.Duration(i)*time.Minute))
			}
		}

		reopened, err := Open(path)
		require.NoError(t, err)
		require.Equal(t, l.All(), reopened.All())
	})
}

func TestConcurrentAddsStayConsistent(t *testing.T) {
	l, path := tempLedger(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := l.Add(fmt.Sprintf("agent-%02d", n), record(fmt.Sprintf("T-%02d", n)))
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 16, l.Len())
	require.Len(t, l.AssignedTaskIDs(), 16)

	reopened, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, l.All(), reopened.All())
}

func TestCorruptFileFailsOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assignments.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Open(path)
	require.Error(t, err)
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	l, path := tempLedger(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Add(fmt.Sprintf("a%d", i), record(fmt.Sprintf("T-%d", i))))
	}
	require.NoError(t, l.Remove("a0"))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, filepath.Base(path), entries[0].Name())
}

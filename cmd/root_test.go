package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marcushq/marcus/internal/config"
	"github.com/marcushq/marcus/internal/fault"
	"github.com/marcushq/marcus/internal/kanban"
)

func testBreakers() *fault.BreakerSet {
	return fault.NewBreakerSet(fault.DefaultBreaker(), nil)
}

func TestOpenBoard_LocalCreatesDatabase(t *testing.T) {
	dataDir := t.TempDir()
	cfg := config.Defaults() // provider "local", path empty

	board, closeBoard, err := openBoard(cfg, dataDir)
	require.NoError(t, err)
	t.Cleanup(closeBoard)

	require.Equal(t, "local", board.Name())
	_, err = os.Stat(filepath.Join(dataDir, "board.db"))
	require.NoError(t, err, "expected board.db under the data dir")
}

func TestOpenBoard_PathOverride(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Board.Path = filepath.Join(dir, "custom.db")

	board, closeBoard, err := openBoard(cfg, dir)
	require.NoError(t, err)
	t.Cleanup(closeBoard)

	require.Equal(t, "local", board.Name())
	_, err = os.Stat(cfg.Board.Path)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "board.db"))
	require.True(t, os.IsNotExist(err), "default path should stay untouched")
}

func TestOpenBoard_MemoryProvider(t *testing.T) {
	cfg := config.Defaults()
	cfg.Board.Provider = "memory"

	board, closeBoard, err := openBoard(cfg, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(closeBoard)

	require.True(t, kanban.SupportsCreate(board))

	// The memory backend is fully functional, just not durable.
	task, err := board.CreateTask(context.Background(), kanban.NewTask{Name: "smoke"})
	require.NoError(t, err)
	require.NotEmpty(t, task.ID)
}

func TestBuildAdvisor_NoneDisables(t *testing.T) {
	cfg := config.Defaults()
	cfg.AI.Provider = "none"

	advisor, err := buildAdvisor(cfg, testBreakers(), nil)
	require.NoError(t, err)
	require.Nil(t, advisor)
}

func TestBuildAdvisor_MissingKeyDisables(t *testing.T) {
	cfg := config.Defaults()
	cfg.AI.APIKeyEnv = "MARCUS_TEST_ANTHROPIC_KEY"
	t.Setenv("MARCUS_TEST_ANTHROPIC_KEY", "")

	advisor, err := buildAdvisor(cfg, testBreakers(), nil)
	require.NoError(t, err)
	require.Nil(t, advisor)
}

func TestBuildAdvisor_AnthropicWithKey(t *testing.T) {
	cfg := config.Defaults()
	cfg.AI.APIKeyEnv = "MARCUS_TEST_ANTHROPIC_KEY"
	t.Setenv("MARCUS_TEST_ANTHROPIC_KEY", "test-key")

	advisor, err := buildAdvisor(cfg, testBreakers(), nil)
	require.NoError(t, err)
	require.NotNil(t, advisor)
}

func TestBuildAdvisor_Sim(t *testing.T) {
	cfg := config.Defaults()
	cfg.AI.Provider = "sim"

	advisor, err := buildAdvisor(cfg, testBreakers(), nil)
	require.NoError(t, err)
	require.NotNil(t, advisor)
}

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcushq/marcus/internal/clock"
	"github.com/marcushq/marcus/internal/config"
	"github.com/marcushq/marcus/internal/events"
	"github.com/marcushq/marcus/internal/kanban"
	"github.com/marcushq/marcus/internal/ledger"
	"github.com/marcushq/marcus/internal/lifecycle"
	"github.com/marcushq/marcus/internal/paths"
	"github.com/marcushq/marcus/internal/roster"
)

var releaseCmd = &cobra.Command{
	Use:   "release <agent-id>",
	Short: "Release an agent's assignment back to the backlog",
	Long: `Release clears a stuck agent's assignment: the ledger entry is removed
and the task returns to TODO for reassignment.

This is the operator recovery path. Run it while the server is down;
against a live server the next reconciliation sweep converges on the
same result without operator help.

Example:
  marcus release agent-7`,
	Args: cobra.ExactArgs(1),
	RunE: runRelease,
}

func init() {
	rootCmd.AddCommand(releaseCmd)
}

func runRelease(_ *cobra.Command, args []string) error {
	if cfgErr != nil {
		return cfgErr
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	agentID := args[0]

	dataDir := paths.DataDir(cfg.DataDir)
	if err := paths.EnsureDir(dataDir); err != nil {
		return err
	}
	files := cfg.Files.Resolve(dataDir)

	led, err := ledger.Open(files.Ledger)
	if err != nil {
		return err
	}
	rec, ok := led.Get(agentID)
	if !ok {
		return fmt.Errorf("agent %s has no active assignment", agentID)
	}

	board, closeBoard, err := openBoard(cfg, dataDir)
	if err != nil {
		return err
	}
	defer closeBoard()

	timeout := cfg.Board.Timeout
	if timeout <= 0 {
		timeout = kanban.DefaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	mgr := lifecycle.New(board, led, roster.New(), nil, clock.Real())
	if err := mgr.Release(ctx, agentID); err != nil {
		return err
	}

	// Land the release on the event log so stream consumers see the
	// correction alongside the ones the server makes itself.
	evlog, err := events.Open(files.Events)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	appendErr := evlog.Append(events.New(events.TaskReleased, map[string]any{
		"agent_id": agentID,
		"task_id":  rec.TaskID,
		"reason":   "operator release",
	}))
	if closeErr := evlog.Close(); appendErr == nil {
		appendErr = closeErr
	}
	if appendErr != nil {
		return fmt.Errorf("recording release event: %w", appendErr)
	}

	fmt.Printf("released task %s from agent %s back to the backlog\n", rec.TaskID, agentID)
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/carelog/sync/internal/daemon"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one forced sync cycle",
	Long: `Enqueue every pending spool file and run one forced sync cycle.

This drains the pending queue into the replica:
  1. Reads all spool/*.json operation files
  2. Applies them in atomic batches against the replica
  3. Verifies consistency when a remote checksum source is configured
  4. Removes the consumed spool files`,
	Run: func(cmd *cobra.Command, args []string) {
		orch, cleanup, err := openOrchestrator()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		spoolDir := viper.GetString("spool")
		spooled := make(map[uuid.UUID]string)

		entries, err := os.ReadDir(spoolDir)
		if err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error reading spool directory: %v\n", err)
			os.Exit(1)
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
				continue
			}
			path := filepath.Join(spoolDir, entry.Name())
			operation, err := daemon.ReadSpoolFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: skipping %s: %v\n", entry.Name(), err)
				continue
			}
			if err := orch.Engine().QueueOperation(operation); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: skipping %s: %v\n", entry.Name(), err)
				continue
			}
			spooled[operation.ID] = path
		}

		fmt.Printf("Syncing %d pending operations...\n", orch.Engine().PendingCount())
		start := time.Now()

		// One forced cycle drains at most DrainLimit operations; keep
		// forcing until the queue is empty.
		ctx := context.Background()
		for orch.Engine().PendingCount() > 0 {
			before := orch.Engine().PendingCount()
			if err := orch.SyncNow(ctx, true); err != nil {
				fmt.Fprintf(os.Stderr, "Error: sync failed: %v\n", err)
				os.Exit(1)
			}
			if orch.Engine().PendingCount() >= before {
				fmt.Fprintf(os.Stderr, "Error: sync made no progress with %d operations pending\n", before)
				os.Exit(1)
			}
		}

		// Only files whose operations left the queue are consumed.
		pending := make(map[uuid.UUID]bool)
		for _, operation := range orch.Engine().Pending() {
			pending[operation.ID] = true
		}
		for id, path := range spooled {
			if pending[id] {
				continue
			}
			if err := os.Remove(path); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to remove %s: %v\n", path, err)
			}
		}

		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/carelog/sync/internal/daemon"
	"github.com/carelog/sync/internal/op"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	enqueueKind     string
	enqueuePayload  string
	enqueueFilter   string
	enqueuePriority int
	enqueueNow      bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <table>",
	Short: "Queue one mutation",
	Long: `Queue a single mutation against the replica.

By default the operation is written to the spool directory for the daemon
to pick up. With --now it is executed immediately through a forced sync
cycle.

Examples:
  clsync enqueue products --kind insert --payload '{"id":"p-1","name":"Toner"}'
  clsync enqueue products --kind delete --filter '{"id":"p-1"}' --now`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		table := args[0]

		var payload, filter map[string]any
		if enqueuePayload != "" {
			if err := json.Unmarshal([]byte(enqueuePayload), &payload); err != nil {
				fmt.Fprintf(os.Stderr, "Error: invalid payload JSON: %v\n", err)
				os.Exit(1)
			}
		}
		if enqueueFilter != "" {
			if err := json.Unmarshal([]byte(enqueueFilter), &filter); err != nil {
				fmt.Fprintf(os.Stderr, "Error: invalid filter JSON: %v\n", err)
				os.Exit(1)
			}
		}

		operation := op.NewWithPriority(op.Kind(enqueueKind), table, payload, filter, enqueuePriority)
		if err := operation.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if enqueueNow {
			orch, cleanup, err := openOrchestrator()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer cleanup()

			if err := orch.ExecuteBatch(context.Background(), []op.Operation{operation}); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Applied %s\n", operation)
			return
		}

		spoolDir := viper.GetString("spool")
		if err := os.MkdirAll(spoolDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating spool directory: %v\n", err)
			os.Exit(1)
		}

		path := filepath.Join(spoolDir, fmt.Sprintf("op-%s.json", uuid.NewString()))
		err := daemon.WriteSpoolFile(path, op.Kind(enqueueKind), table, payload, filter, enqueuePriority)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Spooled %s %s -> %s\n", enqueueKind, table, path)
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueKind, "kind", "insert", "operation kind (insert, update, delete)")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "column values as JSON")
	enqueueCmd.Flags().StringVar(&enqueueFilter, "filter", "", "column-equality filter as JSON")
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 0, "operation priority (higher is more urgent)")
	enqueueCmd.Flags().BoolVar(&enqueueNow, "now", false, "execute immediately instead of spooling")

	rootCmd.AddCommand(enqueueCmd)
}

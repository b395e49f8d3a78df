package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carelog/sync/internal/daemon"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Watch the spool directory and sync continuously",
	Long: `Run the sync daemon in the foreground.

The daemon watches the spool directory for new operation files, enqueues
them, and periodically runs a sync cycle. Spool files consumed by a
successful cycle are removed. Stop with SIGINT or SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		orch, cleanup, err := openOrchestrator()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		cfg := daemon.DefaultConfig(viper.GetString("spool"))
		if interval := viper.GetDuration("sync_interval"); interval > 0 {
			cfg.SyncInterval = interval
		}

		d, err := daemon.New(orch.Engine(), cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := d.Start(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Error: daemon failed: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

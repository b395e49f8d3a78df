package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/carelog/sync/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replica and spool state",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := store.Open(viper.GetString("db"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening replica database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		if err := st.InitSchema(); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
			os.Exit(1)
		}

		ctx := context.Background()

		fmt.Printf("Replica: %s\n", viper.GetString("db"))
		for _, table := range store.ReplicaTables {
			count, err := st.RowCount(ctx, table)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error counting %s: %v\n", table, err)
				os.Exit(1)
			}
			sum, err := st.Checksum(ctx, table)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error checksumming %s: %v\n", table, err)
				os.Exit(1)
			}
			fmt.Printf("  %-14s %6d rows  checksum %.12s\n", table, count, sum)
		}

		spoolDir := viper.GetString("spool")
		pending := 0
		entries, err := os.ReadDir(spoolDir)
		if err == nil {
			for _, entry := range entries {
				if !entry.IsDir() && filepath.Ext(entry.Name()) == ".json" {
					pending++
				}
			}
		}
		fmt.Printf("Spool:   %s (%d pending)\n", spoolDir, pending)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// Command clsync manages the carelog local replica sync engine.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "clsync",
	Short: "carelog replica synchronization",
	Long: `clsync moves queued mutations into the local carelog replica.

Mutations arrive as JSON files in a spool directory (or directly via
'clsync enqueue'), are applied in atomic batches against the SQLite
replica, and the result is verified against the remote source of truth's
checksum. Detected drift schedules a high-priority repair cycle.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default clsync.yaml in cwd)")
	rootCmd.PersistentFlags().String("db", ".carelog/replica.db", "path to the replica database")
	rootCmd.PersistentFlags().String("spool", ".carelog/spool", "spool directory for pending operations")
	rootCmd.PersistentFlags().String("audit-log", "", "path to the JSONL sync-event log (empty disables)")

	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("spool", rootCmd.PersistentFlags().Lookup("spool"))
	_ = viper.BindPFlag("audit_log", rootCmd.PersistentFlags().Lookup("audit-log"))

	viper.SetDefault("batch_size", 100)
	viper.SetDefault("drain_limit", 100)
	viper.SetDefault("chunk_size", 50)
	viper.SetDefault("sync_interval", "2s")
	viper.SetDefault("conflict_strategy", "timestamp")

	cobra.OnInitialize(initConfig)
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("clsync")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("CLSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; flags and env still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			os.Exit(1)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"fmt"

	"github.com/carelog/sync/internal/audit"
	"github.com/carelog/sync/internal/conflict"
	"github.com/carelog/sync/internal/engine"
	"github.com/carelog/sync/internal/orchestrator"
	"github.com/carelog/sync/internal/store"
	"github.com/spf13/viper"
)

// openOrchestrator wires the store, audit log, and engine from config.
// The returned cleanup closes everything in reverse order.
func openOrchestrator() (*orchestrator.Orchestrator, func(), error) {
	st, err := store.Open(viper.GetString("db"))
	if err != nil {
		return nil, nil, fmt.Errorf("error opening replica database: %w", err)
	}

	if err := st.InitSchema(); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("error initializing schema: %w", err)
	}

	var auditLog audit.Logger = audit.Nop{}
	var fileLog *audit.FileLogger
	if path := viper.GetString("audit_log"); path != "" {
		fileLog = audit.NewFileLogger(path, nil)
		auditLog = fileLog
	}

	cfg := engine.DefaultConfig()
	cfg.BatchSize = viper.GetInt("batch_size")
	cfg.DrainLimit = viper.GetInt("drain_limit")
	cfg.ChunkSize = viper.GetInt("chunk_size")

	// The remote checksum endpoint is a pluggable collaborator; with no
	// endpoint configured, verification is skipped.
	strategy := conflict.Strategy(viper.GetString("conflict_strategy"))
	orch := orchestrator.New(st, nil, auditLog, cfg, strategy, nil)

	cleanup := func() {
		if fileLog != nil {
			_ = fileLog.Close()
		}
		_ = st.Close()
	}
	return orch, cleanup, nil
}

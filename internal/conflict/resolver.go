// Package conflict picks a winner between two competing versions of the
// same logical change - one held locally, one reported by the remote
// source of truth - under a selectable strategy.
//
// The resolver is pure decision logic plus an audit event per decision; it
// never mutates the store itself.
package conflict

import (
	"fmt"
	"time"

	"github.com/carelog/sync/internal/audit"
	"github.com/carelog/sync/internal/op"
)

// Strategy selects the resolution function.
type Strategy string

const (
	// StrategyTimestamp picks the strictly later CreatedAt; if either
	// timestamp is missing, the remote version wins (conservative bias
	// toward the server's view when provenance is unknown).
	StrategyTimestamp Strategy = "timestamp"
	// StrategyServerWins picks the remote version unconditionally.
	StrategyServerWins Strategy = "server-wins"
	// StrategyClientWins picks the local version unconditionally.
	StrategyClientWins Strategy = "client-wins"
)

// ErrUnsupportedStrategy is returned for strategies the resolver does not
// know. There is no silent fallback: an unknown strategy is a programming
// error at the call site.
var ErrUnsupportedStrategy = fmt.Errorf("unsupported conflict strategy")

// Resolver resolves conflicts and records every decision.
type Resolver struct {
	audit audit.Logger
}

// New creates a Resolver. If logger is nil, decisions are not recorded.
func New(logger audit.Logger) *Resolver {
	if logger == nil {
		logger = audit.Nop{}
	}
	return &Resolver{audit: logger}
}

// Resolve returns the winning operation between local and remote under the
// given strategy.
func (r *Resolver) Resolve(local, remote op.Operation, strategy Strategy) (op.Operation, error) {
	var winner op.Operation
	var side string

	switch strategy {
	case StrategyTimestamp:
		winner, side = resolveByTimestamp(local, remote)
	case StrategyServerWins:
		winner, side = remote, "remote"
	case StrategyClientWins:
		winner, side = local, "local"
	default:
		return op.Operation{}, fmt.Errorf("%w: %q", ErrUnsupportedStrategy, strategy)
	}

	r.audit.LogSyncEvent(audit.EventConflictResolved, map[string]any{
		"strategy":  string(strategy),
		"table":     winner.Table,
		"winner":    side,
		"local_ts":  timestampField(local.CreatedAt),
		"remote_ts": timestampField(remote.CreatedAt),
	})

	return winner, nil
}

func resolveByTimestamp(local, remote op.Operation) (op.Operation, string) {
	// Unknown provenance on either side: trust the server.
	if local.CreatedAt.IsZero() || remote.CreatedAt.IsZero() {
		return remote, "remote"
	}
	if local.CreatedAt.After(remote.CreatedAt) {
		return local, "local"
	}
	return remote, "remote"
}

func timestampField(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

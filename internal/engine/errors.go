package engine

import (
	"errors"
	"fmt"

	"github.com/carelog/sync/internal/op"
)

// ErrSyncInProgress is returned by SyncNow when another sync cycle holds
// the lock. It is recoverable: callers that need a sync should retry.
var ErrSyncInProgress = errors.New("sync already in progress")

// StoreError wraps a store or transaction failure with the operation
// context that triggered it.
type StoreError struct {
	Table string
	Kind  op.Kind
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store operation %s on %s failed: %v", e.Kind, e.Table, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IntegrityError signals that a table's freshly computed checksum differs
// from the value recorded after the last successful operation: two
// concurrent writers disagree about the table's state outside the sync
// engine's reconciliation path. It is fatal for the call that detects it
// and distinct from ordinary sync failures.
type IntegrityError struct {
	Table    string
	Cached   string
	Computed string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on table %s: cached checksum %.12s does not match computed %.12s",
		e.Table, e.Cached, e.Computed)
}

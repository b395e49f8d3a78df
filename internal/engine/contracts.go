package engine

import (
	"context"

	"github.com/carelog/sync/internal/store"
)

// Store is the transactional boundary the engine applies operations
// through. internal/store provides the SQLite implementation; tests
// substitute fakes.
type Store interface {
	// Begin opens a transactional scope.
	Begin(ctx context.Context) (Tx, error)

	// ChecksumTables returns a deterministic digest of the combined
	// state of the given tables.
	ChecksumTables(ctx context.Context, tables []string) (string, error)
}

// Tx is a single transactional scope. All mutations become visible
// atomically at Commit; any failure must leave no partial state behind.
type Tx interface {
	Insert(ctx context.Context, table string, row map[string]any) error
	Update(ctx context.Context, table string, row, filter map[string]any) error
	Delete(ctx context.Context, table string, filter map[string]any) error

	// Reset clears the replica so a full resynchronization can
	// repopulate it. Consumed by repair operations.
	Reset(ctx context.Context) error

	Commit() error
	Rollback() error
}

// ChecksumFetcher reports the remote source of truth's checksum for a set
// of tables. A fetch failure is treated as transient: verification is
// skipped for the cycle rather than reported as drift.
type ChecksumFetcher interface {
	FetchRemoteChecksum(ctx context.Context, tables []string) (string, error)
}

// Invalidator drops cached per-table state after commits and rollbacks.
// Implementations must be idempotent; calls are fire-and-forget.
type Invalidator interface {
	Invalidate(table string)
}

// NopInvalidator satisfies Invalidator for wiring without a cache.
type NopInvalidator struct{}

// Invalidate implements Invalidator.
func (NopInvalidator) Invalidate(string) {}

// sqlStore adapts *store.Store to the Store contract.
type sqlStore struct {
	s *store.Store
}

// NewSQLStore wraps the SQLite store for use by the engine.
func NewSQLStore(s *store.Store) Store {
	return sqlStore{s: s}
}

func (a sqlStore) Begin(ctx context.Context) (Tx, error) {
	return a.s.Begin(ctx)
}

func (a sqlStore) ChecksumTables(ctx context.Context, tables []string) (string, error) {
	return a.s.ChecksumTables(ctx, tables)
}

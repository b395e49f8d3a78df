// Package orchestrator is the public entry point data-access code uses to
// submit mutations to the sync engine.
//
// It owns the per-table integrity-checksum cache: every successful
// operation records the table's freshly computed checksum, and a cached
// value that disagrees with a fresh computation means a writer outside
// this process mutated the table - surfaced as an IntegrityError, distinct
// from ordinary sync failures. The cache detects intra-process drift only;
// it is not a cryptographic integrity guarantee.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/carelog/sync/internal/audit"
	"github.com/carelog/sync/internal/conflict"
	"github.com/carelog/sync/internal/engine"
	"github.com/carelog/sync/internal/op"
	"github.com/carelog/sync/internal/store"
	"github.com/google/uuid"
)

// Orchestrator fronts the sync engine for callers.
type Orchestrator struct {
	store    *store.Store
	engine   *engine.Engine
	cache    *checksumCache
	resolver *conflict.Resolver
	strategy conflict.Strategy
	logger   *log.Logger
}

// New creates an Orchestrator and its engine around the given store.
//
// remote may be nil (verification skipped), auditLog may be nil, config
// may be nil for defaults, strategy may be empty for timestamp
// resolution. If logger is nil, a default logger writing to stderr is
// used.
func New(st *store.Store, remote engine.ChecksumFetcher, auditLog audit.Logger, config *engine.Config, strategy conflict.Strategy, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(os.Stderr, "[orchestrator] ", log.LstdFlags)
	}
	if strategy == "" {
		strategy = conflict.StrategyTimestamp
	}

	cache := newChecksumCache()
	eng := engine.New(engine.NewSQLStore(st), remote, cache, auditLog, config)

	return &Orchestrator{
		store:    st,
		engine:   eng,
		cache:    cache,
		resolver: conflict.New(auditLog),
		strategy: strategy,
		logger:   logger,
	}
}

// Engine exposes the underlying sync engine for scheduling callers (the
// spool daemon, CLI commands).
func (o *Orchestrator) Engine() *engine.Engine {
	return o.engine
}

// ExecuteOperation queues a single operation and validates the target
// table's integrity against the cached checksum.
//
// A cached checksum that differs from the freshly computed one is an
// IntegrityError: fatal for this call, never silently retried. On any
// underlying failure the operation is rolled back and the table's cache
// entry cleared before the error is returned.
func (o *Orchestrator) ExecuteOperation(ctx context.Context, operation op.Operation) error {
	if err := o.engine.QueueOperation(operation); err != nil {
		return err
	}

	fresh, err := o.store.Checksum(ctx, operation.Table)
	if err != nil {
		o.engine.Rollback(operation)
		return fmt.Errorf("failed to validate %s integrity: %w", operation.Table, err)
	}

	if cached, ok := o.cache.get(operation.Table); ok && cached != fresh {
		// Another writer changed the table behind our back. The call is
		// fatal, so the operation must not survive on the queue where a
		// later cycle would apply it anyway. Rollback also drops the
		// stale cache entry so the next call recomputes from scratch.
		o.engine.Rollback(operation)
		return &engine.IntegrityError{
			Table:    operation.Table,
			Cached:   cached,
			Computed: fresh,
		}
	}

	o.cache.set(operation.Table, fresh)
	return nil
}

// ExecuteBatch queues all operations and forces sync cycles until every
// operation in the batch has been applied, so the batch is durable before
// returning. One cycle drains at most DrainLimit operations; larger
// batches (or batches queued behind higher-priority work) take several.
//
// Enqueueing is all-or-nothing: a validation failure rolls back the
// already-queued part of the batch. ErrSyncInProgress passes through
// untouched - the operations stay queued and the caller may retry the
// sync. Any other sync failure rolls back the batch's operations and
// clears their tables' cache entries.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, operations []op.Operation) error {
	for i, operation := range operations {
		if err := o.engine.QueueOperation(operation); err != nil {
			for _, queued := range operations[:i] {
				o.engine.Rollback(queued)
			}
			return fmt.Errorf("failed to queue batch operation %d: %w", i, err)
		}
	}

	ids := make(map[uuid.UUID]bool, len(operations))
	for _, operation := range operations {
		ids[operation.ID] = true
	}

	last := len(operations) + 1
	for {
		err := o.engine.SyncNow(ctx, true)
		if errors.Is(err, engine.ErrSyncInProgress) {
			return err
		}
		if err != nil {
			for _, operation := range operations {
				o.engine.Rollback(operation)
			}
			return fmt.Errorf("batch execution failed: %w", err)
		}

		remaining := 0
		for _, pending := range o.engine.Pending() {
			if ids[pending.ID] {
				remaining++
			}
		}
		if remaining == 0 {
			return nil
		}
		if remaining >= last {
			for _, operation := range operations {
				o.engine.Rollback(operation)
			}
			return fmt.Errorf("batch execution stalled: %d operations still pending after a full cycle", remaining)
		}
		last = remaining
	}
}

// ResolveConflict settles a competing remote version of a queued local
// mutation under the configured strategy and returns the winner.
//
// The losing side is discarded: when the remote version wins, the local
// operation is rolled back and the remote version queued in its place;
// when the local version wins, the queue is left untouched.
func (o *Orchestrator) ResolveConflict(local, remote op.Operation) (op.Operation, error) {
	winner, err := o.resolver.Resolve(local, remote, o.strategy)
	if err != nil {
		return op.Operation{}, err
	}

	if winner.ID == remote.ID {
		o.engine.Rollback(local)
		if err := o.engine.QueueOperation(remote); err != nil {
			return op.Operation{}, fmt.Errorf("failed to queue winning remote operation: %w", err)
		}
	}
	return winner, nil
}

// SyncNow triggers a sync cycle through the facade.
func (o *Orchestrator) SyncNow(ctx context.Context, force bool) error {
	return o.engine.SyncNow(ctx, force)
}

// Rollback aborts a pending operation and clears its table's cache entry.
func (o *Orchestrator) Rollback(operation op.Operation) {
	o.engine.Rollback(operation)
}

// checksumCache maps table name to the checksum recorded after the last
// successful operation. It implements engine.Invalidator so post-commit
// invalidation flows through the same entries.
type checksumCache struct {
	mu   sync.Mutex
	sums map[string]string
}

func newChecksumCache() *checksumCache {
	return &checksumCache{sums: make(map[string]string)}
}

func (c *checksumCache) get(table string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sum, ok := c.sums[table]
	return sum, ok
}

func (c *checksumCache) set(table, sum string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sums[table] = sum
}

// Invalidate implements engine.Invalidator. Invalidating the synthetic
// repair table clears every entry.
func (c *checksumCache) Invalidate(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if table == op.RepairTable {
		clear(c.sums)
		return
	}
	delete(c.sums, table)
}

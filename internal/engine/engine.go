// Package engine implements the sync cycle that moves queued mutations
// from intent to durable, consistent replica state.
//
// A cycle drains pending operations from the priority queue, applies them
// in bounded batches inside single transactions, invalidates cached
// per-table checksums for every table touched, and verifies the replica
// against the remote source of truth's checksum. Drift schedules a
// high-priority repair operation instead of failing the cycle.
//
// At most one cycle runs at a time: SyncNow holds a non-blocking try-lock
// for the duration of one drain+apply+verify pass and fails fast with
// ErrSyncInProgress on contention.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/carelog/sync/internal/audit"
	"github.com/carelog/sync/internal/op"
	"github.com/carelog/sync/internal/store"
)

// Config holds engine tuning parameters.
type Config struct {
	// DrainLimit caps how many operations one cycle takes off the queue.
	DrainLimit int

	// BatchSize caps how many operations go into one transaction.
	BatchSize int

	// ChunkSize is the application stride inside a transaction.
	ChunkSize int

	// VerifyTables is the table set checksummed during verification.
	VerifyTables []string

	// MinSyncInterval throttles non-forced SyncNow calls: a call within
	// this window of the last successful cycle is a no-op. Forced calls
	// bypass the throttle.
	MinSyncInterval time.Duration

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DrainLimit:      100,
		BatchSize:       100,
		ChunkSize:       DefaultChunkSize,
		VerifyTables:    store.ReplicaTables,
		MinSyncInterval: 5 * time.Second,
		Logger:          log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Engine orchestrates queue draining, batch construction, transactional
// application, post-commit cache invalidation, and consistency
// verification.
type Engine struct {
	queue  *op.Queue
	writer *BatchedWriter
	store  Store
	remote ChecksumFetcher
	cache  Invalidator
	audit  audit.Logger
	logger *log.Logger
	config *Config

	syncing  atomic.Bool
	lastSync atomic.Int64 // unix nanoseconds of last successful cycle
}

// New creates an Engine with dependency-injected collaborators.
//
// remote may be nil, in which case consistency verification is skipped
// (the remote checksum endpoint is a pluggable external dependency).
// cache and auditLog may be nil; no-op implementations are substituted.
func New(st Store, remote ChecksumFetcher, cache Invalidator, auditLog audit.Logger, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if cache == nil {
		cache = NopInvalidator{}
	}
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	return &Engine{
		queue:  op.NewQueue(),
		writer: NewWriter(st, config.ChunkSize, config.Logger),
		store:  st,
		remote: remote,
		cache:  cache,
		audit:  auditLog,
		logger: config.Logger,
		config: config,
	}
}

// QueueOperation appends a validated operation to the pending queue. It is
// always permitted, regardless of whether a sync cycle is running.
func (e *Engine) QueueOperation(o op.Operation) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("refusing to queue operation: %w", err)
	}
	e.queue.Enqueue(o)
	return nil
}

// PendingCount returns the number of queued operations.
func (e *Engine) PendingCount() int {
	return e.queue.Len()
}

// Pending returns a snapshot of the queued operations.
func (e *Engine) Pending() []op.Operation {
	return e.queue.Pending()
}

// SyncNow runs one sync cycle.
//
// If another cycle is in flight the call fails immediately with
// ErrSyncInProgress; it never waits or queues. Non-forced calls inside the
// configured minimum interval since the last successful cycle return nil
// without doing any work.
func (e *Engine) SyncNow(ctx context.Context, force bool) error {
	if !force && e.config.MinSyncInterval > 0 {
		last := time.Unix(0, e.lastSync.Load())
		if time.Since(last) < e.config.MinSyncInterval {
			return nil
		}
	}

	if !e.syncing.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	e.audit.LogSyncEvent(audit.EventSyncStarted, map[string]any{
		"forced":  force,
		"pending": e.queue.Len(),
	})

	ops := e.queue.Drain(e.config.DrainLimit)

	if err := e.applyAll(ctx, ops); err != nil {
		e.audit.LogSyncEvent(audit.EventSyncFailed, map[string]any{
			"error":   err.Error(),
			"drained": len(ops),
		})
		return err
	}

	e.invalidateTouched(ops)
	e.lastSync.Store(time.Now().UnixNano())

	if err := e.verify(ctx); err != nil {
		return err
	}

	e.audit.LogSyncEvent(audit.EventSyncCompleted, map[string]any{
		"applied": len(ops),
	})
	return nil
}

// applyAll partitions drained operations into batches and applies each
// sequentially. On failure the unapplied operations (the failed batch and
// everything after it) are re-enqueued so they are not lost, and the
// failure propagates.
func (e *Engine) applyAll(ctx context.Context, ops []op.Operation) error {
	for start := 0; start < len(ops); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(ops) {
			end = len(ops)
		}

		if err := e.writer.ApplyBatch(ctx, ops[start:end]); err != nil {
			for _, t := range touchedTables(ops[start:end], e.config.VerifyTables) {
				e.cache.Invalidate(t)
			}
			for _, o := range ops[start:] {
				e.queue.Enqueue(o)
			}
			return fmt.Errorf("sync cycle aborted: %w", err)
		}
	}
	return nil
}

// invalidateTouched invalidates each distinct table touched by the applied
// operations exactly once.
func (e *Engine) invalidateTouched(ops []op.Operation) {
	for _, t := range touchedTables(ops, e.config.VerifyTables) {
		e.cache.Invalidate(t)
	}
}

// touchedTables returns the distinct tables ops touch, in first-touch
// order. A repair operation touches every verified table.
func touchedTables(ops []op.Operation, verifyTables []string) []string {
	seen := make(map[string]bool)
	var tables []string
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			tables = append(tables, t)
		}
	}
	for _, o := range ops {
		if o.IsRepair() {
			for _, t := range verifyTables {
				add(t)
			}
			continue
		}
		add(o.Table)
	}
	return tables
}

// verify compares the local replica checksum against the remote source of
// truth. A fetch failure is transient: it is logged and the cycle still
// counts as successful. A mismatch enqueues exactly one repair operation.
func (e *Engine) verify(ctx context.Context) error {
	if e.remote == nil {
		return nil
	}

	local, err := e.store.ChecksumTables(ctx, e.config.VerifyTables)
	if err != nil {
		return fmt.Errorf("failed to compute local checksum: %w", err)
	}

	remote, err := e.remote.FetchRemoteChecksum(ctx, e.config.VerifyTables)
	if err != nil {
		e.logger.Printf("Warning: remote checksum fetch failed (transient): %v", err)
		return nil
	}

	if local == remote {
		return nil
	}

	e.logger.Printf("Consistency drift detected: local=%.12s remote=%.12s", local, remote)
	e.audit.LogSyncEvent(audit.EventDriftDetected, map[string]any{
		"tables": e.config.VerifyTables,
		"local":  local,
		"remote": remote,
	})

	repair := op.NewRepair()
	e.queue.Enqueue(repair)
	e.audit.LogSyncEvent(audit.EventRepairEnqueued, map[string]any{
		"operation": repair.ID.String(),
	})
	return nil
}

// Rollback discards a pending operation before a sync cycle consumes it:
// the cache entry for the operation's table is invalidated and the
// operation is removed from the queue if still present.
func (e *Engine) Rollback(o op.Operation) {
	e.cache.Invalidate(o.Table)
	removed := e.queue.Remove(o.ID)
	e.audit.LogSyncEvent(audit.EventRollback, map[string]any{
		"operation": o.ID.String(),
		"table":     o.Table,
		"pending":   removed,
	})
}

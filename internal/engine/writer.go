package engine

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/carelog/sync/internal/op"
)

// DefaultChunkSize is the application stride inside one transaction.
const DefaultChunkSize = 50

// BatchedWriter applies an ordered list of operations inside a single
// transactional scope, chunked to a bounded stride. Atomicity covers the
// full operation list, not individual chunks: one commit after all chunks
// succeed, full rollback on any failure. The writer never retries; the
// caller owns retry and rollback bookkeeping.
type BatchedWriter struct {
	store     Store
	chunkSize int
	logger    *log.Logger
}

// NewWriter creates a BatchedWriter. chunkSize <= 0 selects the default.
// If logger is nil, a default logger writing to stderr is used.
func NewWriter(store Store, chunkSize int, logger *log.Logger) *BatchedWriter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[writer] ", log.LstdFlags)
	}
	return &BatchedWriter{
		store:     store,
		chunkSize: chunkSize,
		logger:    logger,
	}
}

// ApplyBatch applies all operations in order inside one transaction.
func (w *BatchedWriter) ApplyBatch(ctx context.Context, ops []op.Operation) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := w.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(ops); start += w.chunkSize {
		end := start + w.chunkSize
		if end > len(ops) {
			end = len(ops)
		}
		for _, o := range ops[start:end] {
			if err := w.apply(ctx, tx, o); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch of %d operations: %w", len(ops), err)
	}

	w.logger.Printf("Applied batch: %d operations", len(ops))
	return nil
}

// apply maps one operation kind to its store primitive.
func (w *BatchedWriter) apply(ctx context.Context, tx Tx, o op.Operation) error {
	var err error
	switch o.Kind {
	case op.KindInsert:
		err = tx.Insert(ctx, o.Table, o.Payload)
	case op.KindUpdate:
		err = tx.Update(ctx, o.Table, o.Payload, o.Filter)
	case op.KindDelete:
		err = tx.Delete(ctx, o.Table, o.Filter)
	case op.KindBatch:
		err = tx.Reset(ctx)
	default:
		err = fmt.Errorf("unknown operation kind %q", o.Kind)
	}
	if err != nil {
		return &StoreError{Table: o.Table, Kind: o.Kind, Err: err}
	}
	return nil
}

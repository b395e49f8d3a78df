package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/carelog/sync/internal/op"
	"github.com/carelog/sync/internal/store"
)

// setupTestStore creates a temporary SQLite replica wrapped in the engine
// Store contract.
func setupTestStore(t *testing.T) (Store, *store.Store) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	return NewSQLStore(s), s
}

func insertOps(n int) []op.Operation {
	ops := make([]op.Operation, n)
	for i := range ops {
		ops[i] = op.New(op.KindInsert, "products", map[string]any{
			"id":   fmt.Sprintf("p-%d", i),
			"name": fmt.Sprintf("Product %d", i),
		}, nil)
	}
	return ops
}

func TestApplyBatchCommitsAll(t *testing.T) {
	adapted, raw := setupTestStore(t)
	w := NewWriter(adapted, 0, log.New(os.Stderr, "[test] ", 0))
	ctx := context.Background()

	if err := w.ApplyBatch(ctx, insertOps(7)); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	count, err := raw.RowCount(ctx, "products")
	if err != nil {
		t.Fatalf("RowCount failed: %v", err)
	}
	if count != 7 {
		t.Errorf("expected 7 rows, got %d", count)
	}
}

func TestApplyBatchAtomicOnLastFailure(t *testing.T) {
	adapted, raw := setupTestStore(t)
	w := NewWriter(adapted, 0, log.New(os.Stderr, "[test] ", 0))
	ctx := context.Background()

	ops := insertOps(4)
	// Failure on the final operation: no such table.
	ops = append(ops, op.New(op.KindInsert, "no_such_table", map[string]any{"id": "x"}, nil))

	if err := w.ApplyBatch(ctx, ops); err == nil {
		t.Fatal("expected ApplyBatch to fail")
	}

	count, err := raw.RowCount(ctx, "products")
	if err != nil {
		t.Fatalf("RowCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected rollback to leave store unchanged, got %d rows", count)
	}
}

func TestApplyBatchAtomicAcrossChunks(t *testing.T) {
	adapted, raw := setupTestStore(t)
	// Chunk size 2 forces multiple chunks inside the one transaction.
	w := NewWriter(adapted, 2, log.New(os.Stderr, "[test] ", 0))
	ctx := context.Background()

	ops := insertOps(5)
	ops = append(ops, op.New(op.KindDelete, "no_such_table", nil, map[string]any{"id": "x"}))

	if err := w.ApplyBatch(ctx, ops); err == nil {
		t.Fatal("expected ApplyBatch to fail")
	}

	count, err := raw.RowCount(ctx, "products")
	if err != nil {
		t.Fatalf("RowCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("atomicity must span chunks: expected 0 rows, got %d", count)
	}
}

func TestApplyBatchEmpty(t *testing.T) {
	adapted, _ := setupTestStore(t)
	w := NewWriter(adapted, 0, log.New(os.Stderr, "[test] ", 0))

	if err := w.ApplyBatch(context.Background(), nil); err != nil {
		t.Fatalf("empty batch should be a no-op, got %v", err)
	}
}

func TestApplyBatchUpdateAndDelete(t *testing.T) {
	adapted, raw := setupTestStore(t)
	w := NewWriter(adapted, 0, log.New(os.Stderr, "[test] ", 0))
	ctx := context.Background()

	ops := []op.Operation{
		op.New(op.KindInsert, "products", map[string]any{"id": "p-1", "name": "Toner"}, nil),
		op.New(op.KindInsert, "products", map[string]any{"id": "p-2", "name": "Serum"}, nil),
		op.New(op.KindUpdate, "products",
			map[string]any{"name": "Hydrating Toner"},
			map[string]any{"id": "p-1"}),
		op.New(op.KindDelete, "products", nil, map[string]any{"id": "p-2"}),
	}

	if err := w.ApplyBatch(ctx, ops); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	count, err := raw.RowCount(ctx, "products")
	if err != nil {
		t.Fatalf("RowCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 row after update+delete, got %d", count)
	}

	var name string
	err = raw.RawDB().QueryRowContext(ctx, "SELECT name FROM products WHERE id = ?", "p-1").Scan(&name)
	if err != nil {
		t.Fatalf("failed to read updated row: %v", err)
	}
	if name != "Hydrating Toner" {
		t.Errorf("expected updated name, got %q", name)
	}
}

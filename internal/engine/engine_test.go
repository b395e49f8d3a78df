package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/carelog/sync/internal/op"
)

// appliedOp records one primitive call made against the fake store.
type appliedOp struct {
	kind  op.Kind
	table string
}

// fakeStore implements Store with in-memory bookkeeping. Writes staged in
// a transaction only become visible in committed after Commit.
type fakeStore struct {
	mu        sync.Mutex
	committed []appliedOp

	failTable string // applying against this table fails
	localSum  string // returned by ChecksumTables

	beginEntered chan struct{} // signalled when Begin is reached
	beginGate    chan struct{} // Begin blocks until closed
}

func (s *fakeStore) Begin(_ context.Context) (Tx, error) {
	if s.beginEntered != nil {
		s.beginEntered <- struct{}{}
	}
	if s.beginGate != nil {
		<-s.beginGate
	}
	return &fakeTx{store: s}, nil
}

func (s *fakeStore) ChecksumTables(context.Context, []string) (string, error) {
	if s.localSum == "" {
		return "local-sum", nil
	}
	return s.localSum, nil
}

func (s *fakeStore) applied() []appliedOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]appliedOp, len(s.committed))
	copy(out, s.committed)
	return out
}

type fakeTx struct {
	store  *fakeStore
	staged []appliedOp
}

func (t *fakeTx) record(kind op.Kind, table string) error {
	if table == t.store.failTable {
		return fmt.Errorf("injected failure on %s", table)
	}
	t.staged = append(t.staged, appliedOp{kind: kind, table: table})
	return nil
}

func (t *fakeTx) Insert(_ context.Context, table string, _ map[string]any) error {
	return t.record(op.KindInsert, table)
}

func (t *fakeTx) Update(_ context.Context, table string, _, _ map[string]any) error {
	return t.record(op.KindUpdate, table)
}

func (t *fakeTx) Delete(_ context.Context, table string, _ map[string]any) error {
	return t.record(op.KindDelete, table)
}

func (t *fakeTx) Reset(context.Context) error {
	return t.record(op.KindBatch, op.RepairTable)
}

func (t *fakeTx) Commit() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.committed = append(t.store.committed, t.staged...)
	t.staged = nil
	return nil
}

func (t *fakeTx) Rollback() error {
	t.staged = nil
	return nil
}

// fakeFetcher returns a fixed remote checksum or error.
type fakeFetcher struct {
	sum string
	err error
}

func (f *fakeFetcher) FetchRemoteChecksum(context.Context, []string) (string, error) {
	return f.sum, f.err
}

// recordingInvalidator counts Invalidate calls per table.
type recordingInvalidator struct {
	mu    sync.Mutex
	calls map[string]int
}

func newRecordingInvalidator() *recordingInvalidator {
	return &recordingInvalidator{calls: make(map[string]int)}
}

func (r *recordingInvalidator) Invalidate(table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[table]++
}

func (r *recordingInvalidator) count(table string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[table]
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.MinSyncInterval = 0
	cfg.VerifyTables = []string{"products", "scan_history"}
	cfg.Logger = log.New(os.Stderr, "[test] ", 0)
	return cfg
}

func TestSyncAppliesInPriorityOrder(t *testing.T) {
	st := &fakeStore{}
	inv := newRecordingInvalidator()
	eng := New(st, &fakeFetcher{sum: "local-sum"}, inv, nil, testConfig())

	prodLow := op.New(op.KindInsert, "products", map[string]any{"id": "p-1"}, nil)
	prodHigh := op.NewWithPriority(op.KindInsert, "products", map[string]any{"id": "p-2"}, nil, 5)
	history := op.New(op.KindInsert, "scan_history", map[string]any{"id": "s-1"}, nil)

	for _, o := range []op.Operation{prodLow, prodHigh, history} {
		if err := eng.QueueOperation(o); err != nil {
			t.Fatalf("QueueOperation failed: %v", err)
		}
	}

	if err := eng.SyncNow(context.Background(), true); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	applied := st.applied()
	if len(applied) != 3 {
		t.Fatalf("expected 3 applied operations, got %d", len(applied))
	}
	want := []appliedOp{
		{op.KindInsert, "products"},     // priority 5
		{op.KindInsert, "products"},     // priority 0, older
		{op.KindInsert, "scan_history"}, // priority 0, newer
	}
	for i := range want {
		if applied[i] != want[i] {
			t.Errorf("applied[%d] = %v, want %v", i, applied[i], want[i])
		}
	}

	// Each touched table invalidated exactly once.
	if got := inv.count("products"); got != 1 {
		t.Errorf("products invalidated %d times, want 1", got)
	}
	if got := inv.count("scan_history"); got != 1 {
		t.Errorf("scan_history invalidated %d times, want 1", got)
	}

	// Matching checksums: no repair operation scheduled.
	if n := eng.PendingCount(); n != 0 {
		t.Errorf("expected empty queue after matching checksums, got %d pending", n)
	}
}

func TestSyncNowMutualExclusion(t *testing.T) {
	st := &fakeStore{
		beginEntered: make(chan struct{}, 1),
		beginGate:    make(chan struct{}),
	}
	eng := New(st, nil, nil, nil, testConfig())

	if err := eng.QueueOperation(op.New(op.KindInsert, "products", map[string]any{"id": "p-1"}, nil)); err != nil {
		t.Fatalf("QueueOperation failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- eng.SyncNow(context.Background(), true)
	}()

	// Wait until the first cycle is inside the store transaction.
	select {
	case <-st.beginEntered:
	case <-time.After(5 * time.Second):
		t.Fatal("first SyncNow never reached the store")
	}

	// A second operation queued mid-cycle must survive the contended call.
	if err := eng.QueueOperation(op.New(op.KindInsert, "products", map[string]any{"id": "p-2"}, nil)); err != nil {
		t.Fatalf("QueueOperation failed: %v", err)
	}

	if err := eng.SyncNow(context.Background(), true); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("expected ErrSyncInProgress, got %v", err)
	}
	if n := eng.PendingCount(); n != 1 {
		t.Errorf("contended SyncNow must not drain: %d pending, want 1", n)
	}

	close(st.beginGate)
	if err := <-done; err != nil {
		t.Fatalf("first SyncNow failed: %v", err)
	}
}

func TestDriftEnqueuesExactlyOneRepair(t *testing.T) {
	st := &fakeStore{localSum: "local-sum"}
	eng := New(st, &fakeFetcher{sum: "remote-sum"}, nil, nil, testConfig())

	if err := eng.SyncNow(context.Background(), true); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	pending := eng.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected exactly 1 repair operation, got %d pending", len(pending))
	}
	repair := pending[0]
	if repair.Table != op.RepairTable || repair.Priority != op.RepairPriority {
		t.Errorf("unexpected repair shape: %s", repair)
	}
	if repair.Kind != op.KindBatch {
		t.Errorf("repair kind = %s, want %s", repair.Kind, op.KindBatch)
	}
}

func TestRemoteFetchFailureIsTransient(t *testing.T) {
	st := &fakeStore{}
	eng := New(st, &fakeFetcher{err: errors.New("network down")}, nil, nil, testConfig())

	if err := eng.SyncNow(context.Background(), true); err != nil {
		t.Fatalf("expected fetch failure to be transient, got %v", err)
	}
	if n := eng.PendingCount(); n != 0 {
		t.Errorf("fetch failure must not schedule repair: %d pending", n)
	}
}

func TestStoreFailureReenqueuesAndInvalidates(t *testing.T) {
	st := &fakeStore{failTable: "scan_history"}
	inv := newRecordingInvalidator()
	eng := New(st, nil, inv, nil, testConfig())

	ops := []op.Operation{
		op.New(op.KindInsert, "products", map[string]any{"id": "p-1"}, nil),
		op.New(op.KindInsert, "scan_history", map[string]any{"id": "s-1"}, nil),
	}
	for _, o := range ops {
		if err := eng.QueueOperation(o); err != nil {
			t.Fatalf("QueueOperation failed: %v", err)
		}
	}

	err := eng.SyncNow(context.Background(), true)
	var storeErr *StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected StoreError, got %v", err)
	}
	if storeErr.Table != "scan_history" || storeErr.Kind != op.KindInsert {
		t.Errorf("unexpected error context: table=%s kind=%s", storeErr.Table, storeErr.Kind)
	}

	// Nothing committed, everything back on the queue, caches dropped.
	if applied := st.applied(); len(applied) != 0 {
		t.Errorf("expected no committed operations, got %v", applied)
	}
	if n := eng.PendingCount(); n != 2 {
		t.Errorf("expected failed operations re-enqueued, got %d pending", n)
	}
	if inv.count("products") != 1 || inv.count("scan_history") != 1 {
		t.Errorf("expected affected tables invalidated: %v", inv.calls)
	}
}

func TestRollbackRemovesPendingAndInvalidates(t *testing.T) {
	st := &fakeStore{}
	inv := newRecordingInvalidator()
	eng := New(st, nil, inv, nil, testConfig())

	o := op.New(op.KindInsert, "products", map[string]any{"id": "p-1"}, nil)
	if err := eng.QueueOperation(o); err != nil {
		t.Fatalf("QueueOperation failed: %v", err)
	}

	eng.Rollback(o)

	if n := eng.PendingCount(); n != 0 {
		t.Errorf("expected rollback to remove the pending operation, got %d", n)
	}
	if inv.count("products") != 1 {
		t.Errorf("expected cache entry invalidated, got %v", inv.calls)
	}

	// Rolling back an already-consumed operation is a no-op on the queue.
	eng.Rollback(o)
	if inv.count("products") != 2 {
		t.Errorf("expected idempotent invalidation, got %v", inv.calls)
	}
}

func TestRepairOperationResetsReplicaAndInvalidatesAll(t *testing.T) {
	st := &fakeStore{}
	inv := newRecordingInvalidator()
	eng := New(st, nil, inv, nil, testConfig())

	if err := eng.QueueOperation(op.NewRepair()); err != nil {
		t.Fatalf("QueueOperation failed: %v", err)
	}
	if err := eng.SyncNow(context.Background(), true); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	applied := st.applied()
	if len(applied) != 1 || applied[0].kind != op.KindBatch {
		t.Fatalf("expected one replica reset, got %v", applied)
	}
	if inv.count("products") != 1 || inv.count("scan_history") != 1 {
		t.Errorf("expected every verified table invalidated once, got %v", inv.calls)
	}
}

func TestUnforcedSyncThrottled(t *testing.T) {
	st := &fakeStore{}
	cfg := testConfig()
	cfg.MinSyncInterval = time.Hour
	eng := New(st, nil, nil, nil, cfg)

	if err := eng.SyncNow(context.Background(), true); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}

	if err := eng.QueueOperation(op.New(op.KindInsert, "products", map[string]any{"id": "p-1"}, nil)); err != nil {
		t.Fatalf("QueueOperation failed: %v", err)
	}

	// Inside the throttle window: unforced call is a silent no-op.
	if err := eng.SyncNow(context.Background(), false); err != nil {
		t.Fatalf("throttled SyncNow returned error: %v", err)
	}
	if n := eng.PendingCount(); n != 1 {
		t.Errorf("throttled SyncNow must not drain, got %d pending", n)
	}

	// Forced call bypasses the throttle.
	if err := eng.SyncNow(context.Background(), true); err != nil {
		t.Fatalf("forced SyncNow failed: %v", err)
	}
	if n := eng.PendingCount(); n != 0 {
		t.Errorf("forced SyncNow should drain, got %d pending", n)
	}
}

func TestQueueOperationRejectsInvalid(t *testing.T) {
	eng := New(&fakeStore{}, nil, nil, nil, testConfig())

	if err := eng.QueueOperation(op.New(op.KindInsert, "", nil, nil)); err == nil {
		t.Error("expected invalid operation to be rejected")
	}
	if n := eng.PendingCount(); n != 0 {
		t.Errorf("rejected operation must not be queued, got %d pending", n)
	}
}

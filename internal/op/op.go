// Package op defines the Operation value type describing a single pending
// database mutation, and the priority queue that orders pending operations
// for the sync engine.
package op

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the store primitive an Operation maps to.
type Kind string

const (
	// KindInsert inserts one row into the target table.
	KindInsert Kind = "insert"
	// KindUpdate updates rows matching the filter.
	KindUpdate Kind = "update"
	// KindDelete deletes rows matching the filter.
	KindDelete Kind = "delete"
	// KindBatch is the repair marker enqueued when replica drift is
	// detected. It targets the synthetic table "all" and forces a full
	// resynchronization on the cycle that consumes it.
	KindBatch Kind = "batch"
)

// Valid reports whether k is one of the defined operation kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete, KindBatch:
		return true
	}
	return false
}

// RepairTable is the synthetic table name carried by repair operations.
const RepairTable = "all"

// RepairPriority is the priority assigned to repair operations so they
// preempt ordinary writes without starving them.
const RepairPriority = 10

// seqCounter is the process-wide sequence source. Every Operation gets a
// strictly increasing sequence number so that two operations with equal
// priority and creation time remain distinguishable in the queue.
var seqCounter atomic.Uint64

// Operation is an immutable description of one intended database mutation.
//
// Operations are created by callers when a mutation is decided, consumed
// exactly once by a successful batch commit, or re-created with elevated
// priority by the repair workflow. They are never mutated after creation.
type Operation struct {
	// ID uniquely identifies the operation for removal and rollback.
	ID uuid.UUID

	// Kind is the mutation type (insert, update, delete, batch).
	Kind Kind

	// Table is the logical target table name.
	Table string

	// Payload maps column names to values for insert and update.
	Payload map[string]any

	// Filter is a column-value equality predicate for update and delete.
	Filter map[string]any

	// Priority orders operations; higher is more urgent. Default 0.
	Priority int

	// CreatedAt is assigned at construction and never changes.
	CreatedAt time.Time

	// seq breaks ties between operations with equal priority and
	// creation time. Assigned at construction.
	seq uint64
}

// New constructs an Operation with the given kind, table, payload, and
// filter. CreatedAt, ID, and the tie-break sequence are assigned here.
func New(kind Kind, table string, payload, filter map[string]any) Operation {
	return Operation{
		ID:        uuid.New(),
		Kind:      kind,
		Table:     table,
		Payload:   payload,
		Filter:    filter,
		CreatedAt: time.Now().UTC(),
		seq:       seqCounter.Add(1),
	}
}

// NewWithPriority constructs an Operation with an explicit priority.
func NewWithPriority(kind Kind, table string, payload, filter map[string]any, priority int) Operation {
	o := New(kind, table, payload, filter)
	o.Priority = priority
	return o
}

// NewRepair constructs the synthetic operation enqueued when drift is
// detected: kind batch, table "all", priority 10.
func NewRepair() Operation {
	return NewWithPriority(KindBatch, RepairTable, nil, nil, RepairPriority)
}

// IsRepair reports whether o is a full-resync repair marker.
func (o Operation) IsRepair() bool {
	return o.Kind == KindBatch && o.Table == RepairTable
}

// Validate checks that the operation is structurally sound for its kind.
func (o Operation) Validate() error {
	if !o.Kind.Valid() {
		return fmt.Errorf("invalid operation kind %q", o.Kind)
	}
	if o.Table == "" {
		return fmt.Errorf("operation table cannot be empty")
	}
	switch o.Kind {
	case KindInsert:
		if len(o.Payload) == 0 {
			return fmt.Errorf("insert into %s requires a payload", o.Table)
		}
	case KindUpdate:
		if len(o.Payload) == 0 {
			return fmt.Errorf("update of %s requires a payload", o.Table)
		}
		if len(o.Filter) == 0 {
			return fmt.Errorf("update of %s requires a filter", o.Table)
		}
	case KindDelete:
		if len(o.Filter) == 0 {
			return fmt.Errorf("delete from %s requires a filter", o.Table)
		}
	}
	return nil
}

// less reports whether o should drain before other: descending priority,
// then ascending creation time, then ascending sequence.
func (o Operation) less(other Operation) bool {
	if o.Priority != other.Priority {
		return o.Priority > other.Priority
	}
	if !o.CreatedAt.Equal(other.CreatedAt) {
		return o.CreatedAt.Before(other.CreatedAt)
	}
	return o.seq < other.seq
}

// String returns a short human-readable description for logging.
func (o Operation) String() string {
	return fmt.Sprintf("%s %s (priority=%d, id=%s)", o.Kind, o.Table, o.Priority, o.ID)
}

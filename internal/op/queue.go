package op

import (
	"container/heap"
	"sync"

	"github.com/google/uuid"
)

// Queue holds pending operations ordered by descending priority, then
// ascending creation time, then a unique sequence number. The tertiary
// sequence guarantees that two logically distinct operations are never
// conflated even when priority and timestamp collide.
//
// All methods are safe for concurrent use. Drain is non-blocking: it
// returns whatever is currently present, up to the requested maximum.
type Queue struct {
	mu    sync.Mutex
	items opHeap
}

// NewQueue creates an empty operation queue.
func NewQueue() *Queue {
	return &Queue{items: make(opHeap, 0, 64)}
}

// Enqueue inserts the operation. O(log n), never blocks.
func (q *Queue) Enqueue(o Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.items, o)
}

// Drain removes and returns up to max operations in priority-then-age
// order. It does not wait for new entries; an empty queue yields an empty
// slice. max <= 0 drains everything.
func (q *Queue) Drain(max int) []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	if max <= 0 || max > len(q.items) {
		max = len(q.items)
	}

	drained := make([]Operation, 0, max)
	for len(drained) < max {
		drained = append(drained, heap.Pop(&q.items).(Operation))
	}
	return drained
}

// Remove deletes the operation with the given ID if it is still pending.
// Returns true if an operation was removed. No-op when absent.
func (q *Queue) Remove(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.items {
		if q.items[i].ID == id {
			heap.Remove(&q.items, i)
			return true
		}
	}
	return false
}

// Len returns the number of pending operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a snapshot of the queued operations in no particular
// order. Useful for status reporting and tests.
func (q *Queue) Pending() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshot := make([]Operation, len(q.items))
	copy(snapshot, q.items)
	return snapshot
}

// opHeap implements heap.Interface over Operations using Operation.less.
type opHeap []Operation

func (h opHeap) Len() int           { return len(h) }
func (h opHeap) Less(i, j int) bool { return h[i].less(h[j]) }
func (h opHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *opHeap) Push(x any) {
	*h = append(*h, x.(Operation))
}

func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = Operation{}
	*h = old[:n-1]
	return item
}

// Package outqueue implements the per-computation output queue described in
// spec.md §3: an MPMC FIFO that the per-item executor's goroutines push
// completed commit requests onto, and that the commit aggregator loop
// drains under a byte budget.
//
// The pack carries no lock-free MPMC queue library, and at the scale this
// queue operates at (bounded by MaxWorkers concurrent producers, one
// consumer) a mutex-guarded slice is not a meaningful bottleneck — see
// DESIGN.md for why this stays on a stdlib mutex rather than reaching for
// a third-party concurrent-queue package.
package outqueue

import (
	"sync"

	"github.com/windmill/streamworker/internal/work"
)

// Queue is an unbounded MPMC FIFO of pending commit requests for one
// computation.
type Queue struct {
	mu    sync.Mutex
	items []work.CommitRequest
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Push appends req to the tail of the queue.
func (q *Queue) Push(req work.CommitRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, req)
}

// Pop removes and returns the item at the head of the queue, if any.
func (q *Queue) Pop() (work.CommitRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return work.CommitRequest{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Len reports the current queue depth, for status reporting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

package intent

import (
	"sync"
)

// Queue is one environment's private FIFO of pending intents.
//
// Rapid duplicate commands coalesce: a pending intent with the same action
// as the incoming one is replaced in place (last one wins), so two quick
// deploy comments queue one unit of work. A pending Cleanup is never
// replaced by a later Deploy; the Deploy queues behind it and the two are
// serialized.
type Queue struct {
	mu    sync.Mutex
	items []Intent
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push enqueues in, coalescing against the pending tail.
func (q *Queue) Push(in Intent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n := len(q.items); n > 0 {
		tail := q.items[n-1]
		if tail.Action == in.Action {
			q.items[n-1] = in
			return
		}
		if tail.Action != ActionCleanup {
			// Last one wins for the requested action.
			q.items[n-1] = in
			return
		}
		// tail is a Cleanup; a later intent serializes behind it.
	}
	q.items = append(q.items, in)
}

// Pop removes and returns the oldest pending intent.
func (q *Queue) Pop() (Intent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Intent{}, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

// Len returns the number of pending intents.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

package jobs

import (
	"sync"

	"marginalia.app/insight/internal/model"
)

// MutationQueue defers marker mutations while the reader holds an exclusive
// viewing session. One slot per highlight: a later enqueue for the same
// highlight replaces the earlier one, so only the latest state is ever
// applied. The queue carries no policy; callers decide when deferring is
// required and when to flush.
type MutationQueue struct {
	mu    sync.Mutex
	slots map[int64]model.MarkerUpdate
	order []int64 // highlight IDs in first-enqueue order
}

func NewMutationQueue() *MutationQueue {
	return &MutationQueue{slots: make(map[int64]model.MarkerUpdate)}
}

// Enqueue stores the mutation in the highlight's slot, replacing any
// earlier one.
func (q *MutationQueue) Enqueue(mut model.MarkerUpdate) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.slots[mut.HighlightID]; !ok {
		q.order = append(q.order, mut.HighlightID)
	}
	q.slots[mut.HighlightID] = mut
}

// Len reports how many highlights have a pending mutation.
func (q *MutationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots)
}

// FlushAll applies every queued mutation exactly once, in first-enqueue
// order, then leaves the queue empty. The queue is cleared before apply
// runs, so mutations enqueued during the flush wait for the next one.
func (q *MutationQueue) FlushAll(apply func(model.MarkerUpdate)) {
	q.mu.Lock()
	pending := make([]model.MarkerUpdate, 0, len(q.order))
	for _, hid := range q.order {
		if mut, ok := q.slots[hid]; ok {
			pending = append(pending, mut)
		}
	}
	q.slots = make(map[int64]model.MarkerUpdate)
	q.order = nil
	q.mu.Unlock()

	for _, mut := range pending {
		apply(mut)
	}
}

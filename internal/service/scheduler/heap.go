// Package scheduler holds admitted jobs awaiting dispatch: a bounded
// priority queue for fresh admissions and an unbounded delayed-visibility
// queue for retries. Ordering is a strict total order: higher priority first,
// then earlier admission, then smaller id.
package scheduler

import (
	"container/heap"
	"time"

	"github.com/cloudsketch/diagen/internal/domain"
)

type item struct {
	job       domain.Job
	visibleAt time.Time // zero for fresh admissions
	index     int
}

// dispatchLess is the dispatch-order comparator shared by both queues.
func dispatchLess(a, b *item) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.AdmittedAt.Equal(b.job.AdmittedAt) {
		return a.job.AdmittedAt.Before(b.job.AdmittedAt)
	}
	return a.job.ID < b.job.ID
}

// jobHeap is a heap of items with O(log n) removal by index. The byVisible
// flag switches the retry ordering (earliest visibleAt first).
type jobHeap struct {
	items     []*item
	byVisible bool
}

func (h *jobHeap) Len() int { return len(h.items) }

func (h *jobHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if h.byVisible && !a.visibleAt.Equal(b.visibleAt) {
		return a.visibleAt.Before(b.visibleAt)
	}
	return dispatchLess(a, b)
}

func (h *jobHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *jobHeap) Push(x any) {
	it := x.(*item)
	it.index = len(h.items)
	h.items = append(h.items, it)
}

func (h *jobHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	return it
}

func (h *jobHeap) peek() *item {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

func (h *jobHeap) popHead() *item {
	return heap.Pop(h).(*item)
}

func (h *jobHeap) push(it *item) {
	heap.Push(h, it)
}

func (h *jobHeap) removeAt(i int) *item {
	return heap.Remove(h, i).(*item)
}

package notifications

import (
	"container/heap"
	"time"

	"civicsync-be/models"
)

// entry is one pending notification. seq breaks ties between entries with
// the same priority and creation time so ordering is total.
type entry struct {
	n       *models.Notification
	seq     uint64
	readyAt time.Time
}

// readyHeap orders by (priority rank, createdAt, seq).
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if ra, rb := a.n.Priority.Rank(), b.n.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if !a.n.CreatedAt.Equal(b.n.CreatedAt) {
		return a.n.CreatedAt.Before(b.n.CreatedAt)
	}
	return a.seq < b.seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// delayHeap orders retries by the time they become eligible again.
type delayHeap []*entry

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	if !h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].readyAt.Before(h[j].readyAt)
	}
	return h[i].seq < h[j].seq
}

func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// promote moves every delayed entry whose readyAt has passed into ready.
func promote(ready *readyHeap, delayed *delayHeap, now time.Time) int {
	moved := 0
	for delayed.Len() > 0 && !(*delayed)[0].readyAt.After(now) {
		e := heap.Pop(delayed).(*entry)
		e.n.Status = models.NotificationQueued
		heap.Push(ready, e)
		moved++
	}
	return moved
}

package wireserver

import (
	"container/heap"

	"wpwrapperd/internal/protocol"
)

// priorityQueue orders pending responses by (priority DESC, id ASC): higher
// priority drains first, and among equal priorities the older response (the
// lower sequence id) drains first. A higher-priority response therefore
// jumps the line ahead of every lower-priority one still queued, while
// responses of equal priority keep their enqueue order.
type priorityQueue []protocol.Response

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority
	}
	return pq[i].ID < pq[j].ID
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x any) {
	*pq = append(*pq, x.(protocol.Response))
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

var _ = heap.Interface(&priorityQueue{})

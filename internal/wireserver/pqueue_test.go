package wireserver

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/require"

	"wpwrapperd/internal/protocol"
)

// TestPriorityQueueOrdersByPriorityThenID exercises the (priority DESC, id
// ASC) ordering invariant directly against container/heap, independent of
// any goroutine timing in Server.writeLoop: pushing all items before
// popping any is the only way to pin down the heap's own ordering without
// racing a live writer.
func TestPriorityQueueOrdersByPriorityThenID(t *testing.T) {
	pq := &priorityQueue{}
	heap.Init(pq)

	heap.Push(pq, protocol.Response{ID: 1, Priority: 1, Content: "low-first"})
	heap.Push(pq, protocol.Response{ID: 2, Priority: 1, Content: "low-second"})
	heap.Push(pq, protocol.Response{ID: 3, Priority: 5, Content: "high"})
	heap.Push(pq, protocol.Response{ID: 4, Priority: 5, Content: "also-high-but-later"})

	var got []string
	for pq.Len() > 0 {
		got = append(got, heap.Pop(pq).(protocol.Response).Content)
	}

	require.Equal(t, []string{"high", "also-high-but-later", "low-first", "low-second"}, got)
}

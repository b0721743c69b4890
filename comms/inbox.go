package comms

import (
	"container/heap"
	"sync"

	"github.com/orgflow/orgflow/types"
)

// queued wraps a message with its arrival sequence for stable ordering.
type queued struct {
	msg *types.Message
	seq uint64
}

// msgHeap orders by priority descending; ties break by arrival order.
type msgHeap []*queued

func (h msgHeap) Len() int { return len(h) }

func (h msgHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h msgHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *msgHeap) Push(x any) { *h = append(*h, x.(*queued)) }

func (h *msgHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// dedupWindow bounds the per-inbox duplicate-suppression set. Once full,
// the oldest correlation id is forgotten, so the set cannot grow without
// bound on a long-lived organization.
const dedupWindow = 1024

// inbox is one recipient's inbound priority queue.
type inbox struct {
	mu             sync.Mutex
	heap           msgHeap
	seq            uint64
	delivered      map[string]struct{} // correlation ids already handed out
	deliveredOrder []string            // insertion order, for eviction
	notify         chan struct{}
	closed         bool
}

func newInbox() *inbox {
	return &inbox{
		delivered: make(map[string]struct{}),
		notify:    make(chan struct{}, 1),
	}
}

// markDelivered records a correlation id for duplicate suppression,
// evicting the oldest entry once the window is full. Caller holds in.mu.
func (in *inbox) markDelivered(correlationID string) {
	if len(in.deliveredOrder) >= dedupWindow {
		oldest := in.deliveredOrder[0]
		in.deliveredOrder = in.deliveredOrder[1:]
		delete(in.delivered, oldest)
	}
	in.delivered[correlationID] = struct{}{}
	in.deliveredOrder = append(in.deliveredOrder, correlationID)
}

// push enqueues a message and wakes one waiting receiver.
func (in *inbox) push(msg *types.Message) bool {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return false
	}
	in.seq++
	heap.Push(&in.heap, &queued{msg: msg, seq: in.seq})
	in.mu.Unlock()

	select {
	case in.notify <- struct{}{}:
	default:
	}
	return true
}

// close drops all queued messages. Further pushes fail.
func (in *inbox) close() {
	in.mu.Lock()
	in.heap = nil
	in.closed = true
	in.mu.Unlock()

	select {
	case in.notify <- struct{}{}:
	default:
	}
}

func (in *inbox) pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.heap)
}

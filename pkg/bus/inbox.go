package bus

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/sceneweaver/sceneweaver/pkg/models"
)

// Inbox is a bounded priority queue of pending messages for one role. All
// workers of the role share the inbox; dequeue order is priority-first,
// FIFO within equal priority.
//
// Capacity is enforced with token channels: space tokens bound enqueues,
// item tokens signal receivers. Token counts and heap size move together
// under the mutex, so a consumed item token always finds a message.
type Inbox struct {
	role models.Role

	mu   sync.Mutex
	h    msgHeap
	seq  uint64
	done bool

	items chan struct{}
	space chan struct{}
}

func newInbox(role models.Role, capacity int) *Inbox {
	in := &Inbox{
		role:  role,
		items: make(chan struct{}, capacity),
		space: make(chan struct{}, capacity),
	}
	for i := 0; i < capacity; i++ {
		in.space <- struct{}{}
	}
	return in
}

// Role returns the role this inbox serves.
func (in *Inbox) Role() models.Role { return in.role }

// Len returns the current queue depth.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.h.Len()
}

// enqueue adds a message, applying backpressure up to wait. A zero wait
// fails immediately when the inbox is full.
func (in *Inbox) enqueue(ctx context.Context, msg *models.Message, wait time.Duration) error {
	if wait <= 0 {
		select {
		case <-in.space:
		default:
			return &BusError{Kind: KindBackpressureTimeout, Role: string(in.role), Details: "inbox full"}
		}
	} else {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-in.space:
		case <-timer.C:
			return &BusError{Kind: KindBackpressureTimeout, Role: string(in.role), Details: "inbox full after " + wait.String()}
		case <-ctx.Done():
			return &BusError{Kind: KindCancelled, Role: string(in.role), Err: ctx.Err()}
		}
	}

	in.mu.Lock()
	in.seq++
	heap.Push(&in.h, &queued{msg: msg, seq: in.seq})
	in.mu.Unlock()

	in.items <- struct{}{}
	return nil
}

// tryEnqueue adds a message without blocking; used for cancel delivery
// where the cancellation registry is the authoritative path anyway.
func (in *Inbox) tryEnqueue(msg *models.Message) bool {
	select {
	case <-in.space:
	default:
		return false
	}
	in.mu.Lock()
	in.seq++
	heap.Push(&in.h, &queued{msg: msg, seq: in.seq})
	in.mu.Unlock()
	in.items <- struct{}{}
	return true
}

// Receive blocks until a message is available or ctx is cancelled.
func (in *Inbox) Receive(ctx context.Context) (*models.Message, error) {
	select {
	case <-in.items:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	in.mu.Lock()
	q := heap.Pop(&in.h).(*queued)
	in.mu.Unlock()

	in.space <- struct{}{}
	return q.msg, nil
}

// queued pairs a message with its arrival sequence for FIFO stability.
type queued struct {
	msg *models.Message
	seq uint64
}

// msgHeap orders by priority descending, then arrival ascending.
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

// Package bus routes typed request/response messages between agent roles
// over bounded priority inboxes. Delivery is at-most-once and in-memory;
// messages do not survive a process restart.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sceneweaver/sceneweaver/pkg/models"
)

// StatusHandler receives status messages (e.g. rate_limiting notifications)
// published by agents. Invoked synchronously from the sender's goroutine;
// handlers must be fast.
type StatusHandler func(*models.Message)

// Bus routes messages between registered roles.
type Bus struct {
	capacity int

	mu        sync.RWMutex
	inboxes   map[models.Role]*Inbox
	pending   map[string]*pendingRequest // keyed by request id
	cancelled map[string]bool            // request ids cancelled before dequeue
	tasks     map[string]context.CancelFunc

	statusMu      sync.RWMutex
	statusHandler StatusHandler
}

// New creates a Bus with the given per-role inbox capacity.
func New(inboxCapacity int) *Bus {
	return &Bus{
		capacity:  inboxCapacity,
		inboxes:   make(map[models.Role]*Inbox),
		pending:   make(map[string]*pendingRequest),
		cancelled: make(map[string]bool),
		tasks:     make(map[string]context.CancelFunc),
	}
}

// Register returns the shared inbox for a role, creating it on first use.
// Multiple workers for one role receive from the same inbox, which yields
// round-robin load balancing across the pool.
func (b *Bus) Register(role models.Role) *Inbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.inboxes[role]
	if !ok {
		in = newInbox(role, b.capacity)
		b.inboxes[role] = in
	}
	return in
}

// SetStatusHandler installs the sink for status messages.
func (b *Bus) SetStatusHandler(h StatusHandler) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	b.statusHandler = h
}

// Send routes a message by kind. Requests are enqueued to the recipient's
// inbox with backpressure bounded by the message timeout; responses and
// errors resolve the originating request's completion handle; cancels flow
// through the cancellation registry; status messages go to the status sink.
func (b *Bus) Send(ctx context.Context, msg *models.Message) error {
	switch msg.Kind {
	case models.KindRequest:
		in := b.inbox(msg.Recipient)
		if in == nil {
			return &BusError{Kind: KindUnknownRole, Role: string(msg.Recipient)}
		}
		return in.enqueue(ctx, msg, msg.Timeout)

	case models.KindResponse, models.KindError:
		b.resolve(msg.ReplyTo, msg, nil)
		return nil

	case models.KindCancel:
		b.cancelRequest(msg.ReplyTo, msg)
		return nil

	case models.KindStatus:
		b.statusMu.RLock()
		h := b.statusHandler
		b.statusMu.RUnlock()
		if h != nil {
			h(msg)
		}
		return nil

	default:
		return &BusError{Kind: KindUnknownRole, Role: string(msg.Recipient), Details: "unroutable kind " + string(msg.Kind)}
	}
}

// Request sends a request and blocks until its response arrives, the
// timeout elapses, or ctx is cancelled. One timeout bounds the whole
// exchange: the timer starts before the enqueue, so backpressure inside
// Send spends the same budget as the response wait.
func (b *Bus) Request(ctx context.Context, msg *models.Message) (*models.Message, error) {
	handle := &pendingRequest{done: make(chan outcome, 1)}
	b.mu.Lock()
	b.pending[msg.ID] = handle
	b.mu.Unlock()

	var timeoutCh <-chan time.Time
	if msg.Timeout > 0 {
		timer := time.NewTimer(msg.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	if err := b.Send(ctx, msg); err != nil {
		b.dropPending(msg.ID)
		return nil, err
	}

	select {
	case out := <-handle.done:
		return out.msg, out.err
	case <-timeoutCh:
		// Same path as an explicit cancel so the worker abandons the task.
		b.Cancel(msg.Sender, msg.Recipient, msg.ID)
		return nil, &BusError{Kind: KindTimeout, Role: string(msg.Recipient), Details: "no response within " + msg.Timeout.String()}
	case <-ctx.Done():
		b.Cancel(msg.Sender, msg.Recipient, msg.ID)
		return nil, &BusError{Kind: KindCancelled, Role: string(msg.Recipient), Err: ctx.Err()}
	}
}

// Cancel aborts an outstanding request: the pending handle resolves with a
// cancelled error, any in-progress task context is cancelled, and a
// critical-priority cancel message is delivered best-effort so a worker
// that has not yet dequeued the request discards it.
func (b *Bus) Cancel(sender, recipient models.Role, requestID string) {
	b.cancelRequest(requestID, models.NewCancel(sender, recipient, requestID))
}

func (b *Bus) cancelRequest(requestID string, cancelMsg *models.Message) {
	b.mu.Lock()
	b.cancelled[requestID] = true
	taskCancel := b.tasks[requestID]
	b.mu.Unlock()

	if taskCancel != nil {
		taskCancel()
	}

	b.resolve(requestID, nil, &BusError{Kind: KindCancelled, Details: "request " + requestID + " cancelled"})

	if in := b.inbox(cancelMsg.Recipient); in != nil {
		if !in.tryEnqueue(cancelMsg) {
			slog.Debug("Cancel message dropped, inbox full", "recipient", cancelMsg.Recipient, "request_id", requestID)
		}
	}
}

// Fail resolves a pending request with a worker failure (NACK). Called by
// the agent runtime when a worker crashes mid-task.
func (b *Bus) Fail(requestID string, err error) {
	b.resolve(requestID, nil, &BusError{Kind: KindWorkerFailed, Err: err})
}

// BeginTask registers the cancel function for a dequeued request. Returns
// false when the request was cancelled before the worker picked it up; the
// worker must then discard the message without processing.
func (b *Bus) BeginTask(requestID string, cancel context.CancelFunc) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelled[requestID] {
		delete(b.cancelled, requestID)
		return false
	}
	b.tasks[requestID] = cancel
	return true
}

// EndTask removes the task registration once processing finishes.
func (b *Bus) EndTask(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tasks, requestID)
	delete(b.cancelled, requestID)
}

// Cancelled reports whether the request id has been cancelled. Workers use
// this to honor cancels that arrive between dequeue and completion.
func (b *Bus) Cancelled(requestID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cancelled[requestID]
}

// Depth returns the queue depth of a role's inbox, or -1 when unregistered.
func (b *Bus) Depth(role models.Role) int {
	if in := b.inbox(role); in != nil {
		return in.Len()
	}
	return -1
}

func (b *Bus) inbox(role models.Role) *Inbox {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.inboxes[role]
}

func (b *Bus) dropPending(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// resolve completes a pending request exactly once. Late responses (after
// cancel or timeout) find no handle and are dropped.
func (b *Bus) resolve(requestID string, msg *models.Message, err error) {
	if requestID == "" {
		return
	}
	b.mu.Lock()
	handle, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		if msg != nil {
			slog.Debug("Dropping response for unknown request", "request_id", requestID)
		}
		return
	}
	handle.done <- outcome{msg: msg, err: err}
}

type outcome struct {
	msg *models.Message
	err error
}

type pendingRequest struct {
	done chan outcome
}

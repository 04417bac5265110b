// Package scenectx provides the per-session shared context: a revisioned
// key-value scratchpad through which agents pass structured hints to
// downstream stages. Keys are role-qualified ("concept.mood",
// "builder.objects"); values are small structured maps. Large artifacts are
// referred to by path, never stored inline.
package scenectx

import (
	"strings"
	"sync"
)

// Entry is one revision of a key.
type Entry struct {
	Key      string
	Value    map[string]any
	Revision uint64
}

// Context is the shared scratchpad for one session. All operations are
// linearizable under a single mutex; writes are short.
type Context struct {
	mu          sync.Mutex
	latest      map[string]map[string]any
	revision    uint64
	subscribers []*subscriber
}

type subscriber struct {
	prefix string
	ch     chan Entry
	closed bool
}

// New creates an empty shared context.
func New() *Context {
	return &Context{latest: make(map[string]map[string]any)}
}

// Put appends a revision for key and returns the new revision counter.
// Subscribers whose prefix matches are notified without blocking; a slow
// subscriber loses events, not correctness (subscription is for progress
// reporting only).
func (c *Context) Put(key string, value map[string]any) uint64 {
	c.mu.Lock()
	c.revision++
	rev := c.revision
	c.latest[key] = value
	subs := make([]*subscriber, 0, len(c.subscribers))
	for _, s := range c.subscribers {
		if !s.closed && strings.HasPrefix(key, s.prefix) {
			subs = append(subs, s)
		}
	}
	c.mu.Unlock()

	e := Entry{Key: key, Value: value, Revision: rev}
	for _, s := range subs {
		select {
		case s.ch <- e:
		default:
		}
	}
	return rev
}

// Get returns the latest value for key, or ok=false when unset.
func (c *Context) Get(key string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.latest[key]
	return v, ok
}

// Revision returns the current revision counter.
func (c *Context) Revision() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision
}

// Snapshot returns a consistent shallow copy of the latest values. The
// returned map is owned by the caller; inner value maps must be treated as
// read-only (agents never mutate published hints).
func (c *Context) Snapshot() map[string]map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := make(map[string]map[string]any, len(c.latest))
	for k, v := range c.latest {
		snap[k] = v
	}
	return snap
}

// SnapshotPrefix returns the latest values whose keys carry the prefix.
func (c *Context) SnapshotPrefix(prefix string) map[string]map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := make(map[string]map[string]any)
	for k, v := range c.latest {
		if strings.HasPrefix(k, prefix) {
			snap[k] = v
		}
	}
	return snap
}

// Subscribe returns a channel of changes for keys with the given prefix.
// The channel is buffered; events overflowing the buffer are dropped.
// Call the returned cancel function to release the subscription.
func (c *Context) Subscribe(prefix string) (<-chan Entry, func()) {
	s := &subscriber{prefix: prefix, ch: make(chan Entry, 64)}
	c.mu.Lock()
	c.subscribers = append(c.subscribers, s)
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if !s.closed {
			s.closed = true
			for i, sub := range c.subscribers {
				if sub == s {
					c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
					break
				}
			}
			close(s.ch)
		}
		c.mu.Unlock()
	}
	return s.ch, cancel
}

// Clear drops all values and subscriptions. Called when the session
// terminates.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = make(map[string]map[string]any)
	for _, s := range c.subscribers {
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
	}
	c.subscribers = nil
}

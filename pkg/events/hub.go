// Package events fans session lifecycle notifications out to subscribers
// (websocket clients, tests). Delivery is best-effort: a slow subscriber
// loses events, never blocks a publisher.
package events

import (
	"sync"
	"time"
)

// Kind classifies an event.
type Kind string

// Event kinds.
const (
	KindStatus   Kind = "session.status"
	KindProgress Kind = "session.progress"
)

// Event is one session notification.
type Event struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id"`
	Status    string    `json:"status,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"ts"`
}

const subscriberBuffer = 128

type subscriber struct {
	sessionID string // empty subscribes to all sessions
	ch        chan Event
}

// Hub is the in-process event fan-out.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Publish delivers the event to matching subscribers without blocking.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		if s.sessionID == "" || s.sessionID == e.SessionID {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Subscribe registers a subscriber for one session (or all sessions when
// sessionID is empty). The cancel function releases the subscription and
// closes the channel.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	s := &subscriber{sessionID: sessionID, ch: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s)
			h.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel
}

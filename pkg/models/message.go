package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind classifies bus traffic.
type MessageKind string

// Message kinds.
const (
	KindRequest  MessageKind = "request"
	KindResponse MessageKind = "response"
	KindError    MessageKind = "error"
	KindCancel   MessageKind = "cancel"
	KindStatus   MessageKind = "status"
)

// Priority orders messages within an inbox. Higher values are dequeued first.
type Priority int

// Message priorities, lowest to highest.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Message is the unit of inter-agent communication. Messages are created by
// senders, consumed exactly once by their recipient, and never mutated.
type Message struct {
	ID        string
	Kind      MessageKind
	Sender    Role
	Recipient Role
	Payload   map[string]any
	Priority  Priority
	CreatedAt time.Time
	ReplyTo   string        // request id this message answers, if any
	Timeout   time.Duration // zero means no per-message deadline
}

// NewRequest builds a request message addressed to recipient.
func NewRequest(sender, recipient Role, payload map[string]any, priority Priority, timeout time.Duration) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Kind:      KindRequest,
		Sender:    sender,
		Recipient: recipient,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: time.Now(),
		Timeout:   timeout,
	}
}

// NewResponse builds a response correlated to the given request.
func NewResponse(req *Message, payload map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Kind:      KindResponse,
		Sender:    req.Recipient,
		Recipient: req.Sender,
		Payload:   payload,
		Priority:  req.Priority,
		CreatedAt: time.Now(),
		ReplyTo:   req.ID,
	}
}

// NewCancel builds a cancel message for an outstanding request. Cancels are
// delivered at critical priority so they overtake queued work.
func NewCancel(sender, recipient Role, requestID string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Kind:      KindCancel,
		Sender:    sender,
		Recipient: recipient,
		Priority:  PriorityCritical,
		CreatedAt: time.Now(),
		ReplyTo:   requestID,
	}
}

// NewStatus builds a status notification (e.g. rate_limiting between LLM
// retry attempts). Status messages are informational; they are routed to the
// bus status sink rather than an agent inbox.
func NewStatus(sender Role, payload map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Kind:      KindStatus,
		Sender:    sender,
		Payload:   payload,
		Priority:  PriorityNormal,
		CreatedAt: time.Now(),
	}
}

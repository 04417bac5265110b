package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

// Session lifecycle states. Transitions are monotonic: pending to running
// to one of completed, failed or cancelled.
// rate_limiting may alternate with running while the session is active.
const (
	StatusPending      SessionStatus = "pending"
	StatusRunning      SessionStatus = "running"
	StatusRateLimiting SessionStatus = "rate_limiting"
	StatusCompleted    SessionStatus = "completed"
	StatusFailed       SessionStatus = "failed"
	StatusCancelled    SessionStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidStatus reports whether s is a known session status.
func ValidStatus(s string) bool {
	switch SessionStatus(s) {
	case StatusPending, StatusRunning, StatusRateLimiting,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next preserves status
// monotonicity. rate_limiting and running may alternate freely.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return true
	case StatusRunning:
		return next != StatusPending
	case StatusRateLimiting:
		return next != StatusPending
	default:
		// Terminal states never transition.
		return false
	}
}

// ProgressEvent is one entry in a session's ordered progress list.
type ProgressEvent struct {
	Stage     string `json:"stage"`
	Agent     string `json:"agent,omitempty"`
	Message   string `json:"message"`
	Timestamp string `json:"ts"` // RFC3339Nano
}

// SessionResult is the terminal payload of a session.
type SessionResult struct {
	Success    bool    `json:"success"`
	OutputPath string  `json:"output_path,omitempty"`
	Iterations int     `json:"iterations"`
	RenderTime float64 `json:"render_time_s"`
	Error      string  `json:"error,omitempty"`
}

// Session is the durable unit of one user request.
type Session struct {
	ID                string          `json:"id"`
	Prompt            string          `json:"prompt"`
	Roles             []Role          `json:"roles"`
	Status            SessionStatus   `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CurrentStage      string          `json:"current_stage,omitempty"`
	Progress          []ProgressEvent `json:"progress"`
	Result            *SessionResult  `json:"result,omitempty"`
	OutputDir         string          `json:"-"`
	RecoveredFromDisk bool            `json:"recovered_from_disk,omitempty"`
}

// sessionState is the wire form of session_state.json. Times are serialized
// as ISO-8601 strings so the file is stable across re-serialization.
type sessionState struct {
	ID                string          `json:"id"`
	Prompt            string          `json:"prompt"`
	Roles             []string        `json:"roles"`
	Status            string          `json:"status"`
	CreatedAt         string          `json:"created_at"`
	CompletedAt       string          `json:"completed_at,omitempty"`
	CurrentStage      string          `json:"current_stage,omitempty"`
	Progress          []ProgressEvent `json:"progress"`
	Result            *SessionResult  `json:"result,omitempty"`
	RecoveredFromDisk bool            `json:"recovered_from_disk,omitempty"`
}

// MarshalState serializes the session into canonical session_state.json bytes.
// The encoding is deterministic: fixed field order, RFC3339Nano timestamps,
// two-space indentation, trailing newline. Re-loading and re-serializing a
// state file yields byte-identical output.
func (s *Session) MarshalState() ([]byte, error) {
	st := sessionState{
		ID:                s.ID,
		Prompt:            s.Prompt,
		Roles:             make([]string, 0, len(s.Roles)),
		Status:            string(s.Status),
		CreatedAt:         s.CreatedAt.UTC().Format(time.RFC3339Nano),
		CurrentStage:      s.CurrentStage,
		Progress:          s.Progress,
		Result:            s.Result,
		RecoveredFromDisk: s.RecoveredFromDisk,
	}
	if st.Progress == nil {
		st.Progress = []ProgressEvent{}
	}
	for _, r := range s.Roles {
		st.Roles = append(st.Roles, string(r))
	}
	if s.CompletedAt != nil {
		st.CompletedAt = s.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&st); err != nil {
		return nil, fmt.Errorf("encoding session state: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalState parses session_state.json bytes into a Session.
func UnmarshalState(data []byte) (*Session, error) {
	var st sessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding session state: %w", err)
	}
	if st.ID == "" {
		return nil, fmt.Errorf("session state missing id")
	}
	if !ValidStatus(st.Status) {
		return nil, fmt.Errorf("session state has invalid status %q", st.Status)
	}

	s := &Session{
		ID:                st.ID,
		Prompt:            st.Prompt,
		Status:            SessionStatus(st.Status),
		CurrentStage:      st.CurrentStage,
		Progress:          st.Progress,
		Result:            st.Result,
		RecoveredFromDisk: st.RecoveredFromDisk,
	}
	if s.Progress == nil {
		s.Progress = []ProgressEvent{}
	}
	for _, r := range st.Roles {
		s.Roles = append(s.Roles, Role(r))
	}
	if st.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, st.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("invalid created_at: %w", err)
		}
		s.CreatedAt = t
	}
	if st.CompletedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, st.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("invalid completed_at: %w", err)
		}
		s.CompletedAt = &t
	}
	return s, nil
}

// Clone returns a deep copy safe to hand to API consumers while the
// controller keeps mutating the original.
func (s *Session) Clone() *Session {
	c := *s
	c.Roles = append([]Role(nil), s.Roles...)
	c.Progress = append([]ProgressEvent(nil), s.Progress...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.Result != nil {
		r := *s.Result
		c.Result = &r
	}
	return &c
}

package agent

import (
	"errors"
	"fmt"
)

// ErrorKind classifies agent task failures.
type ErrorKind string

// Agent error kinds.
const (
	KindParse          ErrorKind = "parse"
	KindLLMUnavailable ErrorKind = "llm_unavailable"
	KindCancelled      ErrorKind = "cancelled"
)

// AgentError is a structured agent task failure. It is reified into the
// response message's error field, never raised across worker boundaries.
type AgentError struct {
	Kind ErrorKind
	Role string
	Err  error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s (%s): %v", e.Kind, e.Role, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// IsKind reports whether err is an AgentError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ae *AgentError
	return errors.As(err, &ae) && ae.Kind == kind
}

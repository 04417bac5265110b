package bus

import (
	"errors"
	"fmt"
)

// ErrorKind classifies bus failures.
type ErrorKind string

// Bus error kinds.
const (
	KindBackpressureTimeout ErrorKind = "backpressure_timeout"
	KindWorkerFailed        ErrorKind = "worker_failed"
	KindCancelled           ErrorKind = "cancelled"
	KindUnknownRole         ErrorKind = "unknown_role"
	KindTimeout             ErrorKind = "timeout"
)

// BusError is a structured routing failure.
type BusError struct {
	Kind    ErrorKind
	Role    string
	Details string
	Err     error
}

func (e *BusError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("bus %s (%s): %s", e.Kind, e.Role, e.Details)
	}
	return fmt.Sprintf("bus %s (%s)", e.Kind, e.Role)
}

func (e *BusError) Unwrap() error { return e.Err }

// IsKind reports whether err is a BusError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var be *BusError
	return errors.As(err, &be) && be.Kind == kind
}

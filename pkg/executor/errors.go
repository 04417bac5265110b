package executor

import (
	"errors"
	"fmt"
)

// ErrorKind classifies executor failures.
type ErrorKind string

// Executor error kinds.
const (
	KindSpawnFailed ErrorKind = "spawn_failed"
	KindTimeout     ErrorKind = "timeout"
	KindNonZeroExit ErrorKind = "non_zero_exit"
)

// ExecutorError is the structured failure of a Blender run.
type ExecutorError struct {
	Kind           ErrorKind
	Details        string
	CapturedStderr string
	Err            error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("executor %s: %s", e.Kind, e.Details)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is an executor timeout.
func IsTimeout(err error) bool {
	var ee *ExecutorError
	return errors.As(err, &ee) && ee.Kind == KindTimeout
}

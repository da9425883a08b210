package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking. Every error returned by
// Executor.Execute is an *Error wrapping exactly one of these.
var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrExecution        = errors.New("script execution failed")
	ErrSandboxInit      = errors.New("sandbox unavailable")
	ErrTimeout          = errors.New("evaluation timed out")
	ErrReplayDivergence = errors.New("replay diverged from trace")
	ErrCanceled         = errors.New("execution canceled")
)

// Error wraps a failed execution with the state it failed in.
type Error struct {
	ExecID string
	State  State
	Kind   error // one of the sentinels above
	Err    error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Message()
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.State, msg)
	}
	return fmt.Sprintf("%s: %s", e.State, msg)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Message is the human-readable text safe to return to callers. Script
// failures carry the guest exception message only; engine detail stays in
// the logs.
func (e *Error) Message() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.Error()
}

// Discriminator returns the stable error name reported to callers.
func Discriminator(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "InvalidRequest"
	case errors.Is(err, ErrSandboxInit):
		return "SandboxInitError"
	case errors.Is(err, ErrTimeout):
		return "EvaluationTimeout"
	case errors.Is(err, ErrReplayDivergence):
		return "ReplayDivergence"
	case errors.Is(err, ErrCanceled):
		return "Canceled"
	default:
		return "ExecutionError"
	}
}

// IsInvalidRequest returns true if the request was rejected before evaluation.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// IsTimeout returns true if an evaluation pass exceeded its time bound.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrInit          = errors.New("sandbox initialization failed")
	ErrTimeout       = errors.New("evaluation time limit exceeded")
	ErrCanceled      = errors.New("evaluation canceled")
	ErrScript        = errors.New("script raised an exception")
	ErrClosed        = errors.New("sandbox context closed")
	ErrInvalidLimits = errors.New("invalid sandbox limits")
)

// ScriptError is an exception raised by guest code. Message is what the
// guest would see (e.g. "TypeError: ..."); Detail carries the engine's full
// text including source positions and is meant for logs only.
type ScriptError struct {
	Message string
	Detail  string
}

func (e *ScriptError) Error() string {
	return e.Message
}

func (e *ScriptError) Unwrap() error {
	return ErrScript
}

// IsTimeout returns true if the error is an evaluation time limit.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsScript returns true if guest code raised.
func IsScript(err error) bool {
	return errors.Is(err, ErrScript)
}

func initError(step string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInit, step, err)
}

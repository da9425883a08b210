package engine

import "time"

// State is a step of the execution state machine:
//
//	Received -> TracePass -> Immediate -> Completed
//	                      -> AwaitingResolution -> ResolvingIO -> ReplayPass -> Completed
//
// Any state may move to Failed.
type State string

const (
	StateReceived           State = "received"
	StateTracePass          State = "trace"
	StateImmediate          State = "immediate"
	StateAwaitingResolution State = "awaiting_resolution"
	StateResolvingIO        State = "resolve"
	StateReplayPass         State = "replay"
	StateCompleted          State = "completed"
	StateFailed             State = "failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Event describes one state transition.
type Event struct {
	ExecID      string
	State       State
	Elapsed     time.Duration // since Received
	TracedCalls int
	UniqueCalls int
	Err         error // set when State is StateFailed
}

// Observer receives transitions synchronously on the executing goroutine.
// It must not block.
type Observer func(Event)

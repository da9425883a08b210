package api

import (
	"time"

	"replay-sandbox/internal/engine"
	"replay-sandbox/internal/monitor"
)

// ExecutionRequest is the body of POST /execute and POST /execute/stream.
type ExecutionRequest struct {
	Code   string         `json:"code"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ExecutionResponse is returned for a completed execution. Result is the
// script's final value; divergent_calls is present only when the replay
// pass made calls the trace pass never recorded.
type ExecutionResponse struct {
	Result         any             `json:"result"`
	DivergentCalls []DivergentCall `json:"divergent_calls,omitempty"`
	ExecID         string          `json:"exec_id"`
	Immediate      bool            `json:"immediate"`
	TracedCalls    int             `json:"traced_calls"`
	UniqueCalls    int             `json:"unique_calls"`
	FailedCalls    int             `json:"failed_calls"`
	Timings        Timings         `json:"timings"`
	SecurityEvents []SecurityEvent `json:"security_events,omitempty"`
}

// DivergentCall is a replay call with no resolved entry.
type DivergentCall struct {
	Target  string         `json:"target"`
	Options map[string]any `json:"options"`
}

// Timings reports per-phase wall time.
type Timings struct {
	Trace   Duration `json:"trace"`
	Resolve Duration `json:"resolve"`
	Replay  Duration `json:"replay"`
	Total   Duration `json:"total"`
}

// SecurityEvent reports a suspicious pattern found in the script or its
// outbound targets. Events are informational and never block execution.
type SecurityEvent struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// PhaseEvent is the payload of an SSE "phase" event.
type PhaseEvent struct {
	ExecID      string `json:"exec_id"`
	State       string `json:"state"`
	ElapsedMS   int64  `json:"elapsed_ms"`
	TracedCalls int    `json:"traced_calls"`
	UniqueCalls int    `json:"unique_calls"`
}

// ErrorResponse is returned for API errors. Error is a stable
// discriminator, Message is safe to show to callers.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status           string `json:"status"`
	Database         bool   `json:"database"`
	ActiveExecutions int64  `json:"active_executions"`
	Uptime           string `json:"uptime"`
}

func newExecutionResponse(res *engine.Result) ExecutionResponse {
	resp := ExecutionResponse{
		Result:      res.Value.Data,
		ExecID:      res.ExecID,
		Immediate:   res.Immediate,
		TracedCalls: res.TracedCalls,
		UniqueCalls: res.UniqueCalls,
		FailedCalls: res.FailedCalls,
		Timings: Timings{
			Trace:   Duration{res.Timings.Trace},
			Resolve: Duration{res.Timings.Resolve},
			Replay:  Duration{res.Timings.Replay},
			Total:   Duration{res.Timings.Total},
		},
		SecurityEvents: securityEvents(res.Detections),
	}
	for _, c := range res.Divergent {
		resp.DivergentCalls = append(resp.DivergentCalls, DivergentCall{Target: c.Target, Options: c.Options})
	}
	return resp
}

func securityEvents(dets []monitor.Detection) []SecurityEvent {
	if len(dets) == 0 {
		return nil
	}
	out := make([]SecurityEvent, 0, len(dets))
	for _, d := range dets {
		out = append(out, SecurityEvent{
			Pattern:  d.Pattern,
			Severity: d.Severity,
			Detail:   d.Detail,
			Line:     d.Line,
		})
	}
	return out
}

func newPhaseEvent(ev engine.Event) PhaseEvent {
	return PhaseEvent{
		ExecID:      ev.ExecID,
		State:       string(ev.State),
		ElapsedMS:   ev.Elapsed.Milliseconds(),
		TracedCalls: ev.TracedCalls,
		UniqueCalls: ev.UniqueCalls,
	}
}

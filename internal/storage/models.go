package storage

import "time"

// Execution represents a stored execution record.
type Execution struct {
	ID             string     `json:"id" db:"id"`
	CodeHash       string     `json:"code_hash" db:"code_hash"`
	Status         string     `json:"status" db:"status"` // immediate, replayed, failed
	ErrorType      string     `json:"error_type,omitempty" db:"error_type"`
	ErrorMessage   string     `json:"error_message,omitempty" db:"error_message"`
	TracedCalls    int        `json:"traced_calls" db:"traced_calls"`
	UniqueCalls    int        `json:"unique_calls" db:"unique_calls"`
	FailedCalls    int        `json:"failed_calls" db:"failed_calls"`
	DivergentCalls int        `json:"divergent_calls" db:"divergent_calls"`
	DurationMS     int64      `json:"duration_ms" db:"duration_ms"`
	TraceMS        int64      `json:"trace_ms" db:"trace_ms"`
	ResolveMS      int64      `json:"resolve_ms" db:"resolve_ms"`
	ReplayMS       int64      `json:"replay_ms" db:"replay_ms"`
	ResultBytes    int        `json:"result_bytes" db:"result_bytes"`
	SecurityEvents int        `json:"security_events" db:"security_events"`
	RequestIP      string     `json:"request_ip" db:"request_ip"`
	APIKeyHash     string     `json:"api_key_hash,omitempty" db:"api_key_hash"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// SecurityEventRecord stores a detection for audit.
type SecurityEventRecord struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	Pattern     string    `json:"pattern" db:"pattern"`
	Severity    string    `json:"severity" db:"severity"`
	Detail      string    `json:"detail" db:"detail"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// AuditEntry is one execution plus the detections raised while running it.
type AuditEntry struct {
	Execution *Execution
	Events    []SecurityEventRecord
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Status    string
	ErrorType string
	Limit     int
	Offset    int
}

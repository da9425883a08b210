package api

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"replay-sandbox/internal/engine"
	"replay-sandbox/internal/monitor"
	"replay-sandbox/internal/storage"
)

// Executor runs scripts. *engine.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, req engine.Request, observe engine.Observer) (*engine.Result, error)
	ActiveCount() int64
}

// AuditStore is the read side of the audit log. *storage.DB implements it.
type AuditStore interface {
	GetExecution(ctx context.Context, id string) (*storage.Execution, error)
	ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error)
	Healthy(ctx context.Context) bool
}

// Error discriminators produced by the API layer itself.
const (
	errInvalidRequest      = "InvalidRequest"
	errUnauthorized        = "Unauthorized"
	errRateLimited         = "RateLimited"
	errNotFound            = "NotFound"
	errDatabaseUnavailable = "DatabaseUnavailable"
	errInternal            = "Internal"
)

type Handlers struct {
	executor    Executor
	store       AuditStore
	auditWriter *storage.AuditWriter
	metrics     *monitor.Metrics
}

// NewHandlers wires the handlers. store and auditWriter may be nil when no
// database is configured.
func NewHandlers(executor Executor, store AuditStore, auditWriter *storage.AuditWriter, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		executor:    executor,
		store:       store,
		auditWriter: auditWriter,
		metrics:     metrics,
	}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeExecution(w, r)
	if !ok {
		return
	}

	start := time.Now()
	result, err := h.executor.Execute(r.Context(), engine.Request{Code: req.Code, Inputs: req.Inputs}, nil)
	if err != nil {
		h.logAudit(r, start, req.Code, nil, err, 0)
		writeExecutionError(w, r, err)
		return
	}

	body, err := json.Marshal(newExecutionResponse(result))
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Str("exec_id", result.ExecID).Msg("failed to encode result")
		writeError(w, r, http.StatusInternalServerError, errInternal, "result could not be encoded")
		return
	}
	h.metrics.ResultSizeBytes.Observe(float64(len(body)))
	h.logAudit(r, start, req.Code, result, nil, len(body))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(append(body, '\n'))
}

// HandleExecuteStream runs a script and reports each state transition as a
// Server-Sent Event, followed by a final "done" or "error" event.
func (h *Handlers) HandleExecuteStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeExecution(w, r)
	if !ok {
		return
	}

	stream := NewSSEWriter(w)
	if stream == nil {
		writeError(w, r, http.StatusInternalServerError, errInternal, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// The observer runs on this goroutine, so the stream is never written
	// concurrently with the final event.
	observe := func(ev engine.Event) {
		if ev.State.Terminal() {
			return
		}
		if err := stream.Send("phase", newPhaseEvent(ev)); err != nil {
			log.Ctx(r.Context()).Debug().Err(err).Msg("client went away mid-stream")
		}
	}

	start := time.Now()
	result, err := h.executor.Execute(r.Context(), engine.Request{Code: req.Code, Inputs: req.Inputs}, observe)
	if err != nil {
		h.logAudit(r, start, req.Code, nil, err, 0)
		_ = stream.Send("error", errorResponse(r, err))
		return
	}

	resp := newExecutionResponse(result)
	h.logAudit(r, start, req.Code, result, nil, 0)
	_ = stream.Send("done", resp)
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, r, http.StatusBadRequest, errInvalidRequest, "execution ID required")
		return
	}

	if h.store == nil {
		writeError(w, r, http.StatusServiceUnavailable, errDatabaseUnavailable, "database not configured")
		return
	}

	exec, err := h.store.GetExecution(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, errNotFound, "execution not found")
		return
	}
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Str("exec_id", id).Msg("audit lookup failed")
		writeError(w, r, http.StatusInternalServerError, errInternal, "query failed")
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, r, http.StatusServiceUnavailable, errDatabaseUnavailable, "database not configured")
		return
	}

	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		Status:    q.Get("status"),
		ErrorType: q.Get("error_type"),
		Limit:     100,
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, errInvalidRequest, name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	execs, err := h.store.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("audit query failed")
		writeError(w, r, http.StatusInternalServerError, errInternal, "query failed")
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}

	writeJSON(w, http.StatusOK, execs)
}

func (h *Handlers) decodeExecution(w http.ResponseWriter, r *http.Request) (ExecutionRequest, bool) {
	var req ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, errInvalidRequest,
				fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
			return req, false
		}
		writeError(w, r, http.StatusBadRequest, errInvalidRequest, "invalid JSON: "+err.Error())
		return req, false
	}
	return req, true
}

// logAudit enqueues the outcome for the audit log. Exactly one of result
// and execErr is set.
func (h *Handlers) logAudit(r *http.Request, start time.Time, code string, result *engine.Result, execErr error, resultBytes int) {
	if h.auditWriter == nil {
		return
	}

	completedAt := time.Now()
	rec := &storage.Execution{
		CodeHash:    fmt.Sprintf("%x", sha256.Sum256([]byte(code))),
		DurationMS:  completedAt.Sub(start).Milliseconds(),
		ResultBytes: resultBytes,
		RequestIP:   clientIP(r),
		APIKeyHash:  apiKeyHash(r.Context()),
		CreatedAt:   start,
		CompletedAt: &completedAt,
	}

	var events []storage.SecurityEventRecord
	if result != nil {
		rec.ID = result.ExecID
		rec.Status = "replayed"
		if result.Immediate {
			rec.Status = "immediate"
		}
		rec.TracedCalls = result.TracedCalls
		rec.UniqueCalls = result.UniqueCalls
		rec.FailedCalls = result.FailedCalls
		rec.DivergentCalls = len(result.Divergent)
		rec.TraceMS = result.Timings.Trace.Milliseconds()
		rec.ResolveMS = result.Timings.Resolve.Milliseconds()
		rec.ReplayMS = result.Timings.Replay.Milliseconds()
		rec.SecurityEvents = len(result.Detections)
		for _, d := range result.Detections {
			events = append(events, storage.SecurityEventRecord{
				Pattern:  d.Pattern,
				Severity: d.Severity,
				Detail:   d.Detail,
			})
		}
	} else {
		var ee *engine.Error
		if errors.As(execErr, &ee) {
			rec.ID = ee.ExecID
			rec.ErrorMessage = ee.Message()
		}
		rec.Status = "failed"
		rec.ErrorType = engine.Discriminator(execErr)
	}
	if rec.ID == "" {
		return
	}

	h.auditWriter.Log(storage.AuditEntry{Execution: rec, Events: events})
}

// statusFor maps an execution error to its HTTP status.
func statusFor(err error) int {
	switch engine.Discriminator(err) {
	case "InvalidRequest":
		return http.StatusBadRequest
	case "SandboxInitError":
		return http.StatusServiceUnavailable
	case "EvaluationTimeout", "Canceled":
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(r *http.Request, err error) ErrorResponse {
	msg := err.Error()
	var ee *engine.Error
	if errors.As(err, &ee) {
		msg = ee.Message()
	}
	return ErrorResponse{
		Error:     engine.Discriminator(err),
		Message:   msg,
		RequestID: RequestIDFromContext(r.Context()),
	}
}

func writeExecutionError(w http.ResponseWriter, r *http.Request, err error) {
	writeJSON(w, statusFor(err), errorResponse(r, err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:     code,
		Message:   msg,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

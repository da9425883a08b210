package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"replay-sandbox/internal/engine"
	"replay-sandbox/internal/monitor"
	"replay-sandbox/internal/sandbox"
	"replay-sandbox/internal/storage"
)

// mockExecutor returns a canned result or error and replays events to the
// observer.
type mockExecutor struct {
	result *engine.Result
	err    error
	events []engine.Event
	got    engine.Request
}

func (m *mockExecutor) Execute(_ context.Context, req engine.Request, observe engine.Observer) (*engine.Result, error) {
	m.got = req
	if observe != nil {
		for _, ev := range m.events {
			observe(ev)
		}
	}
	return m.result, m.err
}

func (m *mockExecutor) ActiveCount() int64 { return 0 }

// fakeStore serves audit records from memory.
type fakeStore struct {
	execs   map[string]*storage.Execution
	filter  storage.ExecutionFilter
	err     error
	healthy bool
}

func (f *fakeStore) GetExecution(_ context.Context, id string) (*storage.Execution, error) {
	if f.err != nil {
		return nil, f.err
	}
	e, ok := f.execs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) ListExecutions(_ context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error) {
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	var out []storage.Execution
	for _, e := range f.execs {
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeStore) Healthy(context.Context) bool { return f.healthy }

func newTestHandlers(exec Executor) *Handlers {
	return NewHandlers(exec, nil, nil, monitor.NewMetrics())
}

func postJSON(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func execErr(kind error, msg string) error {
	return &engine.Error{ExecID: "exec-1", State: engine.StateReplayPass, Kind: kind, Err: errors.New(msg)}
}

func TestHandleExecute_Success(t *testing.T) {
	exec := &mockExecutor{result: &engine.Result{
		ExecID:      "exec-1",
		Value:       sandbox.Value{Kind: sandbox.KindPrimitive, Data: float64(42)},
		Immediate:   true,
		TracedCalls: 0,
		Timings:     engine.Timings{Trace: 3 * time.Millisecond, Total: 4 * time.Millisecond},
	}}
	h := newTestHandlers(exec)

	rec := postJSON(t, h.HandleExecute, map[string]any{
		"code":   "INPUTS.x + INPUTS.y",
		"inputs": map[string]any{"x": 40, "y": 2},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body)
	}
	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["result"] != float64(42) {
		t.Errorf("result = %v, want 42", resp["result"])
	}
	if _, ok := resp["divergent_calls"]; ok {
		t.Error("divergent_calls present without divergence")
	}
	if resp["exec_id"] != "exec-1" {
		t.Errorf("exec_id = %v", resp["exec_id"])
	}
	if exec.got.Code != "INPUTS.x + INPUTS.y" || exec.got.Inputs["x"] != float64(40) {
		t.Errorf("executor got %+v", exec.got)
	}
}

func TestHandleExecute_NullResult(t *testing.T) {
	h := newTestHandlers(&mockExecutor{result: &engine.Result{ExecID: "e"}})

	rec := postJSON(t, h.HandleExecute, map[string]any{"code": "undefined"})

	if !strings.Contains(rec.Body.String(), `"result":null`) {
		t.Errorf("body = %s, want result null", rec.Body)
	}
}

func TestHandleExecute_DivergentCalls(t *testing.T) {
	h := newTestHandlers(&mockExecutor{result: &engine.Result{
		ExecID: "e",
		Value:  sandbox.Value{Kind: sandbox.KindPrimitive, Data: "x"},
		Divergent: []sandbox.TracedCall{
			{Target: "https://api.example.com/late", Options: map[string]any{}},
		},
	}})

	rec := postJSON(t, h.HandleExecute, map[string]any{"code": "x"})

	var resp ExecutionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.DivergentCalls) != 1 || resp.DivergentCalls[0].Target != "https://api.example.com/late" {
		t.Errorf("DivergentCalls = %+v", resp.DivergentCalls)
	}
}

func TestHandleExecute_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
		wantMsg    string
	}{
		{"invalid request", execErr(engine.ErrInvalidRequest, "code must be a non-empty string"), 400, "InvalidRequest", "code must be a non-empty string"},
		{"script error", execErr(engine.ErrExecution, "Error: boom"), 500, "ExecutionError", "Error: boom"},
		{"sandbox init", execErr(engine.ErrSandboxInit, "executor is shutting down"), 503, "SandboxInitError", "executor is shutting down"},
		{"timeout", execErr(engine.ErrTimeout, "evaluation exceeded 5s"), 408, "EvaluationTimeout", "evaluation exceeded 5s"},
		{"canceled", execErr(engine.ErrCanceled, "context canceled"), 408, "Canceled", "context canceled"},
		{"divergence", execErr(engine.ErrReplayDivergence, "1 call(s)"), 500, "ReplayDivergence", "1 call(s)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandlers(&mockExecutor{err: tt.err})
			rec := postJSON(t, h.HandleExecute, map[string]any{"code": "x"})

			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Error != tt.wantError {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantError)
			}
			if resp.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", resp.Message, tt.wantMsg)
			}
		})
	}
}

func TestHandleExecute_BadJSON(t *testing.T) {
	h := newTestHandlers(&mockExecutor{})

	tests := []struct {
		name string
		body string
	}{
		{"not json", "code=1"},
		{"code not a string", `{"code": 42}`},
		{"inputs not an object", `{"code": "1", "inputs": [1,2]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.HandleExecute(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("got status %d, want 400", rec.Code)
			}
			var resp ErrorResponse
			json.NewDecoder(rec.Body).Decode(&resp)
			if resp.Error != "InvalidRequest" {
				t.Errorf("error = %q, want InvalidRequest", resp.Error)
			}
		})
	}
}

func TestHandleExecute_BodyTooLarge(t *testing.T) {
	h := newTestHandlers(&mockExecutor{})
	handler := MaxBodyMiddleware(16)(http.HandlerFunc(h.HandleExecute))

	body := `{"code": "` + strings.Repeat("1", 64) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("got status %d, want 413", rec.Code)
	}
}

func TestHandleExecuteStream(t *testing.T) {
	exec := &mockExecutor{
		result: &engine.Result{ExecID: "e", Value: sandbox.Value{Data: "Sample"}},
		events: []engine.Event{
			{ExecID: "e", State: engine.StateReceived},
			{ExecID: "e", State: engine.StateTracePass},
			{ExecID: "e", State: engine.StateResolvingIO, TracedCalls: 1},
			{ExecID: "e", State: engine.StateReplayPass, TracedCalls: 1, UniqueCalls: 1},
			{ExecID: "e", State: engine.StateCompleted},
		},
	}
	h := newTestHandlers(exec)

	rec := postJSON(t, h.HandleExecuteStream, map[string]any{"code": "x"})

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if n := strings.Count(body, "event: phase\n"); n != 4 {
		t.Errorf("got %d phase events, want 4:\n%s", n, body)
	}
	if !strings.Contains(body, `"state":"resolve"`) {
		t.Errorf("missing resolve phase:\n%s", body)
	}
	if !strings.Contains(body, "event: done\ndata: ") || !strings.Contains(body, `"result":"Sample"`) {
		t.Errorf("missing done event:\n%s", body)
	}
	if strings.Contains(body, `"state":"completed"`) {
		t.Error("terminal state sent as a phase event")
	}
}

func TestHandleExecuteStream_Error(t *testing.T) {
	h := newTestHandlers(&mockExecutor{err: execErr(engine.ErrExecution, "TypeError: x is not a function")})

	rec := postJSON(t, h.HandleExecuteStream, map[string]any{"code": "x()"})

	body := rec.Body.String()
	if !strings.Contains(body, "event: error\n") || !strings.Contains(body, `"error":"ExecutionError"`) {
		t.Errorf("missing error event:\n%s", body)
	}
}

func TestHandleGetExecution(t *testing.T) {
	store := &fakeStore{execs: map[string]*storage.Execution{
		"abc": {ID: "abc", Status: "replayed", TracedCalls: 2},
	}}
	h := NewHandlers(&mockExecutor{}, store, nil, monitor.NewMetrics())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /executions/{id}", h.HandleGetExecution)

	tests := []struct {
		name       string
		id         string
		storeErr   error
		wantStatus int
	}{
		{"found", "abc", nil, http.StatusOK},
		{"missing", "nope", nil, http.StatusNotFound},
		{"store failure", "abc", errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store.err = tt.storeErr
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/executions/"+tt.id, nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleListExecutions(t *testing.T) {
	store := &fakeStore{}
	h := NewHandlers(&mockExecutor{}, store, nil, monitor.NewMetrics())

	rec := httptest.NewRecorder()
	h.HandleListExecutions(rec, httptest.NewRequest(http.MethodGet, "/executions?status=failed&error_type=EvaluationTimeout&limit=5&offset=10", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("body = %s, want []", rec.Body)
	}
	want := storage.ExecutionFilter{Status: "failed", ErrorType: "EvaluationTimeout", Limit: 5, Offset: 10}
	if store.filter != want {
		t.Errorf("filter = %+v, want %+v", store.filter, want)
	}

	rec = httptest.NewRecorder()
	h.HandleListExecutions(rec, httptest.NewRequest(http.MethodGet, "/executions?limit=-1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative limit: got status %d, want 400", rec.Code)
	}
}

func TestAuditRoutes_NoDatabase(t *testing.T) {
	h := newTestHandlers(&mockExecutor{})

	rec := httptest.NewRecorder()
	h.HandleListExecutions(rec, httptest.NewRequest(http.MethodGet, "/executions", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", rec.Code)
	}
}

func TestLogAudit(t *testing.T) {
	store := &recordingStore{}
	writer := storage.NewAuditWriter(store, 8)
	h := NewHandlers(&mockExecutor{}, nil, writer, monitor.NewMetrics())

	req := httptest.NewRequest(http.MethodPost, "/execute", nil)
	req.RemoteAddr = "10.1.2.3:5555"

	h.logAudit(req, time.Now(), "1+1", &engine.Result{
		ExecID:      "ok-1",
		TracedCalls: 2,
		UniqueCalls: 1,
		Detections:  []monitor.Detection{{Pattern: "loopback_target", Severity: "high"}},
	}, nil, 10)
	h.logAudit(req, time.Now(), "x()", nil, execErr(engine.ErrTimeout, "evaluation exceeded 5s"), 0)
	h.logAudit(req, time.Now(), "", nil, errors.New("no exec id"), 0)

	writer.Start()
	writer.Flush(2 * time.Second)

	if len(store.execs) != 2 {
		t.Fatalf("stored %d executions, want 2", len(store.execs))
	}
	ok, failed := store.execs[0], store.execs[1]
	if ok.Status != "replayed" || ok.UniqueCalls != 1 || ok.RequestIP != "10.1.2.3" || ok.SecurityEvents != 1 {
		t.Errorf("success record = %+v", ok)
	}
	if failed.Status != "failed" || failed.ErrorType != "EvaluationTimeout" || failed.ID != "exec-1" {
		t.Errorf("failure record = %+v", failed)
	}
	if len(store.events) != 1 || store.events[0].ExecutionID != "ok-1" {
		t.Errorf("events = %+v", store.events)
	}
}

type recordingStore struct {
	execs  []*storage.Execution
	events []*storage.SecurityEventRecord
}

func (s *recordingStore) LogExecution(_ context.Context, e *storage.Execution) error {
	s.execs = append(s.execs, e)
	return nil
}

func (s *recordingStore) LogSecurityEvent(_ context.Context, e *storage.SecurityEventRecord) error {
	s.events = append(s.events, e)
	return nil
}

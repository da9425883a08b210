// Package engine runs guest scripts with the trace-then-replay protocol.
//
// A script is evaluated once with an interceptor that only records outbound
// calls. Scripts that made no calls are done after that single pass. Otherwise
// the recorded calls are resolved concurrently and the script is evaluated a
// second time in a fresh context whose interceptor answers from the resolved
// results. Scripts are assumed deterministic; replay calls that were never
// traced are reported as divergence.
package engine

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"replay-sandbox/internal/canon"
	"replay-sandbox/internal/fetch"
	"replay-sandbox/internal/monitor"
	"replay-sandbox/internal/sandbox"
)

// ContextFactory allocates isolated evaluation contexts.
type ContextFactory interface {
	NewContext(inputs map[string]any, resolutions sandbox.Resolutions) (*sandbox.Context, error)
}

// Resolver turns traced calls into resolved envelopes.
type Resolver interface {
	Resolve(ctx context.Context, calls []canon.Call) fetch.ResolutionMap
}

// Request is one script execution.
type Request struct {
	Code   string         `json:"code"`
	Inputs map[string]any `json:"inputs"`
}

// Timings break an execution down by phase.
type Timings struct {
	Trace   time.Duration `json:"trace"`
	Resolve time.Duration `json:"resolve"`
	Replay  time.Duration `json:"replay"`
	Total   time.Duration `json:"total"`
}

// Result is a completed execution.
type Result struct {
	ExecID      string
	CodeHash    string
	Value       sandbox.Value
	Immediate   bool // finished after the trace pass
	TracedCalls int
	UniqueCalls int
	FailedCalls int                  // envelopes describing transport failures
	Divergent   []sandbox.TracedCall // replay calls with no resolved entry
	Detections  []monitor.Detection
	Timings     Timings
}

var errClosed = errors.New("executor is shutting down")

// Executor sequences the trace, resolve and replay phases. It is safe for
// concurrent use; executions share nothing but the collaborators.
type Executor struct {
	factory  ContextFactory
	resolver Resolver

	metrics      *monitor.Metrics
	tracer       *monitor.Tracer
	detector     *monitor.EscapeDetector
	strictReplay bool
	maxCodeBytes int

	sem    chan struct{} // Concurrency limiter
	active atomic.Int64  // Active execution count
	wg     sync.WaitGroup
	mu     sync.Mutex // Protects closed
	closed bool
}

// Option configures an Executor.
type Option func(*Executor)

func WithMetrics(m *monitor.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

func WithTracer(t *monitor.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithDetector reports suspicious code and targets. Detections never block
// an execution.
func WithDetector(d *monitor.EscapeDetector) Option {
	return func(e *Executor) { e.detector = d }
}

// WithStrictReplay fails executions whose replay pass made untraced calls.
func WithStrictReplay(strict bool) Option {
	return func(e *Executor) { e.strictReplay = strict }
}

// WithMaxConcurrent bounds executions in progress; callers beyond the
// bound wait for a slot.
func WithMaxConcurrent(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.sem = make(chan struct{}, n)
		}
	}
}

// WithMaxCodeBytes rejects larger scripts as invalid requests.
func WithMaxCodeBytes(n int) Option {
	return func(e *Executor) { e.maxCodeBytes = n }
}

// New creates an Executor over its two collaborators.
func New(factory ContextFactory, resolver Resolver, opts ...Option) *Executor {
	e := &Executor{
		factory:  factory,
		resolver: resolver,
		tracer:   monitor.NewTracer(),
		sem:      make(chan struct{}, 100),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// execution carries per-request state through the state machine.
type execution struct {
	id       string
	codeHash string
	start    time.Time
	state    State
	logger   zerolog.Logger
	observe  Observer
	result   *Result
}

func (x *execution) enter(s State) {
	x.state = s
	x.logger.Debug().Str("state", string(s)).Msg("state transition")
	if x.observe != nil {
		x.observe(Event{
			ExecID:      x.id,
			State:       s,
			Elapsed:     time.Since(x.start),
			TracedCalls: x.result.TracedCalls,
			UniqueCalls: x.result.UniqueCalls,
		})
	}
}

// Execute runs req to completion. observe may be nil.
func (e *Executor) Execute(ctx context.Context, req Request, observe Observer) (*Result, error) {
	x := &execution{
		id:       uuid.New().String(),
		codeHash: fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code))),
		start:    time.Now(),
		observe:  observe,
	}
	x.result = &Result{ExecID: x.id, CodeHash: x.codeHash}
	x.logger = loggerFrom(ctx).With().
		Str("exec_id", x.id).
		Str("code_hash", x.codeHash[:16]).
		Logger()
	ctx = x.logger.WithContext(ctx)

	x.enter(StateReceived)

	if err := e.validate(req); err != nil {
		return nil, e.fail(x, nil, ErrInvalidRequest, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, e.fail(x, nil, ErrSandboxInit, errClosed)
	}
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return nil, e.fail(x, nil, ErrCanceled, ctx.Err())
	}

	e.active.Add(1)
	defer e.active.Add(-1)
	if e.metrics != nil {
		e.metrics.ActiveExecutions.Inc()
		defer e.metrics.ActiveExecutions.Dec()
		e.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
	}

	ctx, span := e.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(x.id),
		monitor.AttrCodeHash.String(x.codeHash[:16]),
	)
	defer span.End()

	if e.detector != nil {
		x.result.Detections = e.detector.AnalyzeCode(req.Code)
		e.recordDetections(x.result.Detections)
	}

	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}

	// Trace pass.
	x.enter(StateTracePass)
	traced, err := e.runPass(ctx, x, StateTracePass, req.Code, inputs, nil)
	if err != nil {
		return nil, e.fail(x, span, ErrSandboxInit, err)
	}
	x.result.Timings.Trace = traced.elapsed
	x.result.TracedCalls = len(traced.trace)
	if e.metrics != nil {
		e.metrics.RecordTracedCalls(len(traced.trace))
	}

	if kind := interruptKind(traced.err); kind != nil {
		return nil, e.fail(x, span, kind, traced.err)
	}

	if len(traced.trace) == 0 {
		if traced.err != nil {
			x.logDetail(traced.err)
			return nil, e.fail(x, span, ErrExecution, traced.err)
		}
		x.enter(StateImmediate)
		x.result.Immediate = true
		x.result.Value = traced.value
		return e.complete(x, span), nil
	}

	if traced.err != nil {
		x.logger.Debug().Err(traced.err).Int("traced_calls", len(traced.trace)).
			Msg("trace pass raised with pending calls")
	}
	x.enter(StateAwaitingResolution)

	// Resolution.
	if e.detector != nil {
		targets := make([]string, len(traced.trace))
		for i, c := range traced.trace {
			targets[i] = c.Target
		}
		dets := e.detector.AnalyzeTargets(targets)
		x.result.Detections = append(x.result.Detections, dets...)
		e.recordDetections(dets)
	}

	x.enter(StateResolvingIO)
	resolveStart := time.Now()
	rctx, rspan := e.tracer.StartSpan(ctx, "resolve",
		monitor.AttrTracedCalls.Int(len(traced.trace)),
	)
	resolutions := e.resolver.Resolve(rctx, traced.trace)
	rspan.SetAttributes(monitor.AttrUniqueCalls.Int(len(resolutions)))
	rspan.End()

	x.result.Timings.Resolve = time.Since(resolveStart)
	x.result.UniqueCalls = len(resolutions)
	x.result.FailedCalls = resolutions.Failures()
	e.recordPhase(StateResolvingIO, x.result.Timings.Resolve)
	x.logger.Debug().
		Int("traced_calls", x.result.TracedCalls).
		Int("unique_calls", x.result.UniqueCalls).
		Int("failed_calls", x.result.FailedCalls).
		Dur("elapsed", x.result.Timings.Resolve).
		Msg("calls resolved")

	if err := ctx.Err(); err != nil {
		return nil, e.fail(x, span, ErrCanceled, err)
	}

	// Replay pass.
	x.enter(StateReplayPass)
	replayed, err := e.runPass(ctx, x, StateReplayPass, req.Code, inputs, resolutions)
	if err != nil {
		return nil, e.fail(x, span, ErrSandboxInit, err)
	}
	x.result.Timings.Replay = replayed.elapsed

	if kind := interruptKind(replayed.err); kind != nil {
		return nil, e.fail(x, span, kind, replayed.err)
	}

	if n := len(replayed.misses); n > 0 {
		if e.metrics != nil {
			e.metrics.RecordReplayMisses(n)
		}
		span.SetAttributes(monitor.AttrReplayMisses.Int(n))
		x.logger.Warn().
			Int("misses", n).
			Str("first_target", replayed.misses[0].Target).
			Msg("replay made calls that were not traced; script is not deterministic")
		if e.strictReplay {
			return nil, e.fail(x, span, ErrReplayDivergence,
				fmt.Errorf("%d call(s) during replay were never traced, first: %s", n, replayed.misses[0].Target))
		}
		x.result.Divergent = replayed.misses
	}

	if replayed.err != nil {
		x.logDetail(replayed.err)
		return nil, e.fail(x, span, ErrExecution, replayed.err)
	}

	x.result.Value = replayed.value
	return e.complete(x, span), nil
}

type passOutcome struct {
	value   sandbox.Value
	err     error // evaluation error
	trace   []sandbox.TracedCall
	misses  []sandbox.TracedCall
	elapsed time.Duration
}

// runPass evaluates code in a fresh context that is closed before
// returning. The returned error is set only if the context could not be
// allocated; evaluation errors are reported in the outcome.
func (e *Executor) runPass(ctx context.Context, x *execution, phase State, code string, inputs map[string]any, res sandbox.Resolutions) (passOutcome, error) {
	start := time.Now()
	ctx, span := e.tracer.StartSpan(ctx, string(phase), monitor.AttrPhase.String(string(phase)))
	defer span.End()

	sc, err := e.factory.NewContext(inputs, res)
	if err != nil {
		span.RecordError(err)
		return passOutcome{}, err
	}
	defer sc.Close()

	v, evalErr := sc.Eval(ctx, code)
	out := passOutcome{
		value:   v,
		err:     evalErr,
		trace:   sc.Trace(),
		misses:  sc.Misses(),
		elapsed: time.Since(start),
	}

	span.SetAttributes(monitor.AttrTracedCalls.Int(len(out.trace)))
	if evalErr != nil {
		span.RecordError(evalErr)
	}
	e.recordPhase(phase, out.elapsed)
	x.logger.Debug().
		Str("phase", string(phase)).
		Str("kind", v.Kind.String()).
		Bool("raised", evalErr != nil).
		Dur("elapsed", out.elapsed).
		Msg("pass finished")
	return out, nil
}

// interruptKind maps evaluation errors that end the execution regardless
// of the trace log.
func interruptKind(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sandbox.ErrCanceled):
		return ErrCanceled
	case sandbox.IsTimeout(err):
		return ErrTimeout
	default:
		return nil
	}
}

// loggerFrom returns the request logger carried by ctx, falling back to the
// global logger.
func loggerFrom(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		return &log.Logger
	}
	return l
}

func (e *Executor) validate(req Request) error {
	if req.Code == "" {
		return errors.New("code must be a non-empty string")
	}
	if e.maxCodeBytes > 0 && len(req.Code) > e.maxCodeBytes {
		return fmt.Errorf("code exceeds %d bytes", e.maxCodeBytes)
	}
	return nil
}

func (x *execution) logDetail(err error) {
	var se *sandbox.ScriptError
	if errors.As(err, &se) {
		x.logger.Info().Str("state", string(x.state)).Str("detail", se.Detail).Msg("script raised")
	}
}

func (e *Executor) complete(x *execution, span trace.Span) *Result {
	x.result.Timings.Total = time.Since(x.start)
	x.enter(StateCompleted)

	status := "replayed"
	if x.result.Immediate {
		status = "immediate"
	}
	if e.metrics != nil {
		e.metrics.RecordExecution(status, x.result.Timings.Total)
	}
	span.SetStatus(codes.Ok, "")
	x.logger.Info().
		Str("status", status).
		Int("traced_calls", x.result.TracedCalls).
		Int("unique_calls", x.result.UniqueCalls).
		Dur("duration", x.result.Timings.Total).
		Msg("execution completed")
	return x.result
}

// fail moves x to Failed and builds the returned error. span may be nil
// when failing before tracing starts.
func (e *Executor) fail(x *execution, span trace.Span, kind, cause error) *Error {
	from := x.state
	err := &Error{ExecID: x.id, State: from, Kind: kind, Err: cause}

	x.state = StateFailed
	if x.observe != nil {
		x.observe(Event{
			ExecID:      x.id,
			State:       StateFailed,
			Elapsed:     time.Since(x.start),
			TracedCalls: x.result.TracedCalls,
			UniqueCalls: x.result.UniqueCalls,
			Err:         err,
		})
	}

	disc := Discriminator(err)
	if e.metrics != nil {
		e.metrics.RecordExecution("failed", time.Since(x.start))
		e.metrics.RecordError(disc)
	}
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, disc)
	}

	level := zerolog.InfoLevel
	if errors.Is(kind, ErrSandboxInit) {
		level = zerolog.ErrorLevel
	}
	x.logger.WithLevel(level).
		Str("state", string(from)).
		Str("error_type", disc).
		Str("message", err.Message()).
		Msg("execution failed")
	return err
}

func (e *Executor) recordPhase(phase State, d time.Duration) {
	if e.metrics != nil {
		e.metrics.RecordPhase(string(phase), d)
	}
}

func (e *Executor) recordDetections(dets []monitor.Detection) {
	if e.metrics == nil {
		return
	}
	for _, d := range dets {
		e.metrics.RecordSecurityEvent(d.Pattern)
	}
}

// ActiveCount returns the number of executions holding a slot.
func (e *Executor) ActiveCount() int64 {
	return e.active.Load()
}

// Close rejects new executions and waits for in-flight ones until ctx is
// done.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all executions drained")
		return nil
	case <-ctx.Done():
		log.Warn().Int64("active", e.active.Load()).Msg("timed out waiting for executions to drain")
		return ctx.Err()
	}
}

// Package fetch resolves the outbound calls recorded during a trace pass.
// Every distinct call is dispatched once, concurrently, and each outcome is
// folded into an Envelope keyed by the call's canonical key. Resolution
// itself never fails: transport errors, policy denials and cancellation all
// become failure envelopes.
package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"replay-sandbox/internal/canon"
	"replay-sandbox/internal/monitor"
)

// Fetch outcome labels.
const (
	OutcomeOK             = "ok"
	OutcomeHTTPError      = "http_error"
	OutcomeTransportError = "transport_error"
	OutcomeDenied         = "denied"
)

// Resolver dispatches traced calls through a Transport.
type Resolver struct {
	transport      Transport
	policy         *HostPolicy
	maxConcurrency int
	metrics        *monitor.Metrics
	tracer         *monitor.Tracer
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithPolicy rejects targets the policy denies without dispatching them.
func WithPolicy(p *HostPolicy) ResolverOption {
	return func(r *Resolver) { r.policy = p }
}

// WithMaxConcurrency bounds in-flight requests per Resolve call.
func WithMaxConcurrency(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.maxConcurrency = n
		}
	}
}

// WithMetrics records per-request outcomes.
func WithMetrics(m *monitor.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// WithTracer emits one span per dispatched request.
func WithTracer(t *monitor.Tracer) ResolverOption {
	return func(r *Resolver) { r.tracer = t }
}

// NewResolver creates a Resolver over transport.
func NewResolver(transport Transport, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		transport:      transport,
		maxConcurrency: DefaultOptions().MaxConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type pending struct {
	key  canon.Key
	call canon.Call
	env  *Envelope
}

// Resolve dispatches each distinct call once and returns an envelope for
// every key. It waits for all calls; one failing call never cancels the
// others. Cancelling ctx abandons calls not yet dispatched.
func (r *Resolver) Resolve(ctx context.Context, calls []canon.Call) ResolutionMap {
	logger := log.Ctx(ctx)

	unique := make([]*pending, 0, len(calls))
	seen := make(map[canon.Key]struct{}, len(calls))
	for _, call := range calls {
		key, err := call.Key()
		if err != nil {
			// Options came from JSON, so this is unreachable for guest input.
			logger.Error().Err(err).Str("target", call.Target).Msg("skipping call with unencodable options")
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, &pending{key: key, call: call})
	}

	var g errgroup.Group
	g.SetLimit(r.maxConcurrency)
	for _, p := range unique {
		g.Go(func() error {
			p.env = r.dispatch(ctx, p.key, p.call)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	out := make(ResolutionMap, len(unique))
	for _, p := range unique {
		out[p.key] = p.env
	}

	logger.Debug().
		Int("traced", len(calls)).
		Int("unique", len(unique)).
		Int("failed", out.Failures()).
		Msg("calls resolved")

	return out
}

func (r *Resolver) dispatch(ctx context.Context, key canon.Key, call canon.Call) *Envelope {
	start := time.Now()
	logger := log.Ctx(ctx).With().Str("call", key.Short()).Str("target", call.Target).Logger()

	if err := ctx.Err(); err != nil {
		return failure(fmt.Errorf("request abandoned: %w", err))
	}

	if r.policy != nil {
		if err := r.policy.Check(call.Target); err != nil {
			logger.Warn().Err(err).Msg("outbound call denied")
			r.record(OutcomeDenied, start)
			return failure(err)
		}
	}

	req, err := NewRequest(call)
	if err != nil {
		r.record(OutcomeTransportError, start)
		return failure(err)
	}

	ctx, end := r.startSpan(ctx, key, req)

	resp, err := r.transport.Do(ctx, req)
	if err != nil {
		end(err)
		r.record(OutcomeTransportError, start)
		logger.Debug().Err(err).Dur("elapsed", time.Since(start)).Msg("outbound call failed")
		return failure(err)
	}
	end(nil)

	env := NewEnvelope(resp)
	outcome := OutcomeOK
	if !env.OK {
		outcome = OutcomeHTTPError
	}
	r.record(outcome, start)
	logger.Debug().Int("status", resp.Status).Dur("elapsed", time.Since(start)).Msg("outbound call completed")
	return env
}

// startSpan opens a request span when tracing is configured. The returned
// function ends it, recording err if non-nil.
func (r *Resolver) startSpan(ctx context.Context, key canon.Key, req *Request) (context.Context, func(error)) {
	if r.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := r.tracer.StartSpan(ctx, "fetch",
		monitor.AttrCallKey.String(key.Short()),
		monitor.AttrCallTarget.String(req.URL),
		attribute.String("http.request.method", req.Method),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func (r *Resolver) record(outcome string, start time.Time) {
	if r.metrics != nil {
		r.metrics.RecordFetch(outcome, time.Since(start))
	}
}

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"replay-sandbox/internal/canon"
)

// InputsGlobal is the global name the caller's inputs are bound under.
const InputsGlobal = "INPUTS"

// InterceptAliases are the global names of the interception function.
var InterceptAliases = []string{"httpRequest", "httpGet"}

// TracedCall is one interception call recorded during the trace pass.
type TracedCall = canon.Call

// Resolutions supplies resolved envelopes to the replay pass.
type Resolutions interface {
	Lookup(key canon.Key) (any, bool)
}

// Factory creates isolated evaluation contexts.
type Factory struct {
	limits Limits
}

// NewFactory returns a factory whose contexts run under limits.
func NewFactory(limits Limits) *Factory {
	return &Factory{limits: limits}
}

// Limits returns the limits applied to every context.
func (f *Factory) Limits() Limits {
	return f.limits
}

// Context is a single-use isolated JavaScript environment. It is owned by
// exactly one pass and must be closed when that pass ends.
type Context struct {
	vm          *goja.Runtime
	limits      Limits
	resolutions Resolutions

	stringify goja.Callable
	parse     goja.Callable

	calls  int
	trace  []TracedCall
	misses []TracedCall
	closed bool
}

// NewContext allocates a context with inputs bound under INPUTS. A nil
// resolutions installs the tracing interceptor; otherwise interception calls
// are answered from resolutions.
func (f *Factory) NewContext(inputs map[string]any, resolutions Resolutions) (c *Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, initError("allocate", fmt.Errorf("%v", r))
		}
	}()

	vm := goja.New()
	vm.SetMaxCallStackSize(f.limits.MaxCallStack)

	c = &Context{
		vm:          vm,
		limits:      f.limits,
		resolutions: resolutions,
	}

	jsonObj := vm.Get("JSON")
	if jsonObj == nil {
		return nil, initError("lookup JSON", errors.New("JSON global missing"))
	}
	var ok bool
	if c.stringify, ok = goja.AssertFunction(jsonObj.ToObject(vm).Get("stringify")); !ok {
		return nil, initError("lookup JSON.stringify", errors.New("not a function"))
	}
	if c.parse, ok = goja.AssertFunction(jsonObj.ToObject(vm).Get("parse")); !ok {
		return nil, initError("lookup JSON.parse", errors.New("not a function"))
	}

	if err := c.bindInputs(inputs); err != nil {
		return nil, initError("bind inputs", err)
	}

	intercept := c.traceCall
	if resolutions != nil {
		intercept = c.replayCall
	}
	for _, name := range InterceptAliases {
		if err := vm.Set(name, intercept); err != nil {
			return nil, initError("install "+name, err)
		}
	}

	return c, nil
}

// bindInputs round-trips inputs through JSON so the guest sees plain objects
// and cannot reach the caller's map.
func (c *Context) bindInputs(inputs map[string]any) error {
	if inputs == nil {
		inputs = map[string]any{}
	}
	raw, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("marshaling inputs: %w", err)
	}
	v, err := c.parse(goja.Undefined(), c.vm.ToValue(string(raw)))
	if err != nil {
		return fmt.Errorf("parsing inputs: %w", err)
	}
	return c.vm.Set(InputsGlobal, v)
}

// Eval runs code under the context's limits and materializes the completion
// value. Cancelling ctx interrupts the evaluation.
func (c *Context) Eval(ctx context.Context, code string) (v Value, err error) {
	if c.closed {
		return Value{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Value{}, fmt.Errorf("%w: %w", ErrCanceled, err)
	}

	// The callbacks may still be running after Eval returns and Close has
	// cleared c.vm, so they only touch this local.
	vm := c.vm
	defer vm.ClearInterrupt()

	timer := time.AfterFunc(c.limits.EvalTimeout, func() {
		vm.Interrupt(ErrTimeout)
	})
	defer timer.Stop()

	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	result, err := vm.RunString(code)
	if err != nil {
		return Value{}, c.classify(err)
	}
	return c.materialize(result)
}

// Trace returns a copy of the calls recorded by the tracing interceptor.
func (c *Context) Trace() []TracedCall {
	out := make([]TracedCall, len(c.trace))
	copy(out, c.trace)
	return out
}

// Misses returns replay calls that had no resolved entry. A non-empty result
// means the script took a different path than during tracing.
func (c *Context) Misses() []TracedCall {
	out := make([]TracedCall, len(c.misses))
	copy(out, c.misses)
	return out
}

// Close releases the engine. Safe to call more than once.
func (c *Context) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.vm = nil
	c.resolutions = nil
	c.stringify = nil
	c.parse = nil
}

func (c *Context) classify(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
				return fmt.Errorf("%w: %w", ErrCanceled, cause)
			}
		}
		return fmt.Errorf("%w (%s)", ErrTimeout, c.limits.EvalTimeout)
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		msg := exc.Error()
		if val := exc.Value(); val != nil {
			msg = val.String()
		}
		return &ScriptError{Message: msg, Detail: exc.Error()}
	}

	// Syntax errors and stack overflows.
	return &ScriptError{Message: err.Error(), Detail: err.Error()}
}

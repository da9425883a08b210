package sandbox

import (
	"encoding/json"

	"github.com/dop251/goja"

	"replay-sandbox/internal/canon"
)

// traceCall records the call and answers with undefined. It never performs
// I/O; the guest sees a falsy placeholder.
func (c *Context) traceCall(call goja.FunctionCall) goja.Value {
	tc := c.decodeCall(call)
	c.trace = append(c.trace, tc)
	return goja.Undefined()
}

// replayCall answers the call from the resolved envelopes. Calls that were
// never traced are recorded as misses and answered with undefined.
func (c *Context) replayCall(call goja.FunctionCall) goja.Value {
	tc := c.decodeCall(call)

	key, err := canon.Encode(tc.Target, tc.Options)
	if err != nil {
		panic(c.vm.NewTypeError("httpRequest: " + err.Error()))
	}

	env, ok := c.resolutions.Lookup(key)
	if !ok {
		c.misses = append(c.misses, tc)
		return goja.Undefined()
	}

	raw, err := json.Marshal(env)
	if err != nil {
		panic(c.vm.NewTypeError("httpRequest: encoding response: " + err.Error()))
	}
	v, err := c.parse(goja.Undefined(), c.vm.ToValue(string(raw)))
	if err != nil {
		panic(c.vm.NewTypeError("httpRequest: decoding response: " + err.Error()))
	}
	return v
}

// decodeCall converts guest arguments into a TracedCall, enforcing the
// per-pass call limit. Both passes decode identically so keys match.
func (c *Context) decodeCall(call goja.FunctionCall) TracedCall {
	c.calls++
	if c.calls > c.limits.MaxTracedCalls {
		panic(c.vm.NewTypeError("httpRequest: too many outbound calls"))
	}

	opts, err := c.normalizeOptions(call.Argument(1))
	if err != nil {
		panic(c.vm.NewTypeError("httpRequest: options are not serializable"))
	}
	return TracedCall{
		Target:  call.Argument(0).String(),
		Options: opts,
	}
}

// normalizeOptions reduces a guest options value to the JSON the guest
// expressed. Missing or non-object options become an empty map.
func (c *Context) normalizeOptions(v goja.Value) (map[string]any, error) {
	if _, ok := v.(*goja.Object); !ok {
		return map[string]any{}, nil
	}

	s, err := c.stringify(goja.Undefined(), v)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(s) {
		return map[string]any{}, nil
	}

	var opts map[string]any
	if err := json.Unmarshal([]byte(s.String()), &opts); err != nil || opts == nil {
		// Arrays and other non-object JSON.
		return map[string]any{}, nil
	}
	return opts, nil
}

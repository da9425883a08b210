package sandbox

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"replay-sandbox/internal/canon"
)

type fakeResolutions map[canon.Key]any

func (f fakeResolutions) Lookup(key canon.Key) (any, bool) {
	v, ok := f[key]
	return v, ok
}

func newContext(t *testing.T, inputs map[string]any, res Resolutions) *Context {
	t.Helper()
	c, err := NewFactory(DefaultLimits()).NewContext(inputs, res)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func mustKey(t *testing.T, target string, opts map[string]any) canon.Key {
	t.Helper()
	k, err := canon.Encode(target, opts)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestEval_Values(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		inputs   map[string]any
		wantKind Kind
		want     any
	}{
		{"sum of inputs", "INPUTS.x + INPUTS.y", map[string]any{"x": 20, "y": 22}, KindPrimitive, 42.0},
		{"map reduce", "INPUTS.numbers.map(n => n*2).reduce((a,b)=>a+b,0)", map[string]any{"numbers": []any{1, 2, 3}}, KindPrimitive, 12.0},
		{"string", "INPUTS.name.toUpperCase()", map[string]any{"name": "test"}, KindPrimitive, "TEST"},
		{"bool", "INPUTS.n > 1", map[string]any{"n": 2}, KindPrimitive, true},
		{"null", "null", nil, KindPrimitive, nil},
		{"undefined", "undefined", nil, KindPrimitive, nil},
		{"NaN", "0/0", nil, KindPrimitive, nil},
		{"fractional", "1.5 * 3", nil, KindPrimitive, 4.5},
		{"array", "INPUTS.numbers.map(n => n * 2)", map[string]any{"numbers": []any{1, 2, 3}}, KindStructured, []any{2.0, 4.0, 6.0}},
		{"object", "({a: [1, 'b', null], nested: {ok: true}})", nil, KindStructured,
			map[string]any{"a": []any{1.0, "b", nil}, "nested": map[string]any{"ok": true}}},
		{"function", "(function () {})", nil, KindStructured, nil},
		{"statements", "const a = INPUTS.a; let b = a * 2; b + 1", map[string]any{"a": 4}, KindPrimitive, 9.0},
		{"stringify inputs", "JSON.stringify(INPUTS)", map[string]any{"key": "value"}, KindPrimitive, `{"key":"value"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newContext(t, tt.inputs, nil)
			got, err := c.Eval(context.Background(), tt.code)
			if err != nil {
				t.Fatalf("Eval: %v", err)
			}
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", got.Kind, tt.wantKind)
			}
			if !reflect.DeepEqual(got.Data, tt.want) {
				t.Errorf("Data = %#v, want %#v", got.Data, tt.want)
			}
			if n := len(c.Trace()); n != 0 {
				t.Errorf("Trace() has %d calls, want 0", n)
			}
		})
	}
}

func TestEval_InputsAreCopied(t *testing.T) {
	inputs := map[string]any{"obj": map[string]any{"x": 1}}
	c := newContext(t, inputs, nil)

	got, err := c.Eval(context.Background(), "INPUTS.obj.x = 99; INPUTS.obj.x")
	if err != nil {
		t.Fatal(err)
	}
	if got.Data != 99.0 {
		t.Errorf("Data = %v, want 99", got.Data)
	}
	if inner := inputs["obj"].(map[string]any); inner["x"] != 1 {
		t.Errorf("caller inputs mutated: %v", inner["x"])
	}
}

func TestTrace_RecordsCallsAndReturnsUndefined(t *testing.T) {
	c := newContext(t, nil, nil)

	code := `
		const response = httpGet('http://svc/todos/1');
		response.data.title
	`
	_, err := c.Eval(context.Background(), code)
	if !IsScript(err) {
		t.Fatalf("Eval error = %v, want script error", err)
	}

	trace := c.Trace()
	if len(trace) != 1 {
		t.Fatalf("Trace() has %d calls, want 1", len(trace))
	}
	if trace[0].Target != "http://svc/todos/1" {
		t.Errorf("Target = %q", trace[0].Target)
	}
	if len(trace[0].Options) != 0 {
		t.Errorf("Options = %v, want empty", trace[0].Options)
	}
}

func TestTrace_SentinelIsFalsy(t *testing.T) {
	c := newContext(t, nil, nil)

	got, err := c.Eval(context.Background(), `const r = httpRequest('http://svc'); r ? 'resolved' : 'pending'`)
	if err != nil {
		t.Fatal(err)
	}
	if got.Data != "pending" {
		t.Errorf("Data = %v, want pending", got.Data)
	}
}

func TestTrace_AliasesAndOptions(t *testing.T) {
	c := newContext(t, nil, nil)

	code := `
		httpRequest('http://svc/data', {
			method: 'POST',
			headers: { 'Content-Type': 'application/json' },
			body: JSON.stringify({ test: true }),
			onDone: function () {}
		});
		httpGet('http://svc/users');
		httpGet('http://svc/raw', 'not-an-object');
		'done'
	`
	if _, err := c.Eval(context.Background(), code); err != nil {
		t.Fatal(err)
	}

	trace := c.Trace()
	if len(trace) != 3 {
		t.Fatalf("Trace() has %d calls, want 3", len(trace))
	}
	want := map[string]any{
		"method":  "POST",
		"headers": map[string]any{"Content-Type": "application/json"},
		"body":    `{"test":true}`,
	}
	if !reflect.DeepEqual(trace[0].Options, want) {
		t.Errorf("Options = %#v, want %#v", trace[0].Options, want)
	}
	if len(trace[2].Options) != 0 {
		t.Errorf("non-object options = %v, want empty", trace[2].Options)
	}
}

func TestTrace_CallLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxTracedCalls = 3
	c, err := NewFactory(limits).NewContext(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, err = c.Eval(context.Background(), `for (let i = 0; i < 5; i++) httpGet('http://svc/' + i)`)
	var se *ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("Eval error = %v, want ScriptError", err)
	}
	if n := len(c.Trace()); n != 3 {
		t.Errorf("Trace() has %d calls, want 3", n)
	}
}

func TestReplay_AnswersFromResolutions(t *testing.T) {
	res := fakeResolutions{
		mustKey(t, "http://svc/todos/1", nil): map[string]any{
			"ok": true, "status": 200, "statusText": "OK",
			"headers": map[string]any{}, "data": map[string]any{"title": "Sample"},
		},
		mustKey(t, "http://svc/q", map[string]any{"a": 1.0, "b": 2.0}): map[string]any{"ok": false, "status": 404},
	}
	c := newContext(t, nil, res)

	got, err := c.Eval(context.Background(), `httpGet('http://svc/todos/1').data.title`)
	if err != nil {
		t.Fatal(err)
	}
	if got.Data != "Sample" {
		t.Errorf("Data = %v, want Sample", got.Data)
	}

	got, err = c.Eval(context.Background(), `httpRequest('http://svc/q', {b: 2, a: 1}).status`)
	if err != nil {
		t.Fatal(err)
	}
	if got.Data != 404.0 {
		t.Errorf("Data = %v, want 404", got.Data)
	}
	if n := len(c.Misses()); n != 0 {
		t.Errorf("Misses() = %d, want 0", n)
	}
}

func TestReplay_RecordsMisses(t *testing.T) {
	c := newContext(t, nil, fakeResolutions{})

	got, err := c.Eval(context.Background(), `const r = httpGet('http://svc/unknown'); r === undefined`)
	if err != nil {
		t.Fatal(err)
	}
	if got.Data != true {
		t.Errorf("Data = %v, want true", got.Data)
	}
	misses := c.Misses()
	if len(misses) != 1 || misses[0].Target != "http://svc/unknown" {
		t.Errorf("Misses() = %v", misses)
	}
	if n := len(c.Trace()); n != 0 {
		t.Errorf("replay context recorded %d trace calls", n)
	}
}

func TestEval_Timeout(t *testing.T) {
	limits := DefaultLimits()
	limits.EvalTimeout = 50 * time.Millisecond
	c, err := NewFactory(limits).NewContext(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	start := time.Now()
	_, err = c.Eval(context.Background(), `while (true) {}`)
	if !IsTimeout(err) {
		t.Fatalf("Eval error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestEval_Canceled(t *testing.T) {
	c := newContext(t, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := c.Eval(ctx, `for (;;) {}`)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("Eval error = %v, want ErrCanceled", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Eval error = %v, want wrapped context.Canceled", err)
	}
}

func TestEval_CancelRacingClose(t *testing.T) {
	factory := NewFactory(DefaultLimits())
	for i := range 500 {
		c, err := factory.NewContext(nil, nil)
		if err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			time.Sleep(time.Duration(i%50) * time.Microsecond)
			cancel()
		}()

		_, err = c.Eval(ctx, `let n = 0; for (let i = 0; i < 2000; i++) { n += i } n`)
		if err != nil && !errors.Is(err, ErrCanceled) {
			t.Fatalf("iteration %d: Eval error = %v", i, err)
		}
		c.Close()
		<-done
	}
}

func TestEval_ScriptErrors(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantMsg string
	}{
		{"throw", `throw new Error('boom')`, "Error: boom"},
		{"type error", `undefined.x`, ""},
		{"syntax", `let = ;`, ""},
		{"recursion", `function f() { return f() } f()`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newContext(t, nil, nil)
			_, err := c.Eval(context.Background(), tt.code)
			var se *ScriptError
			if !errors.As(err, &se) {
				t.Fatalf("Eval error = %v (%T), want ScriptError", err, err)
			}
			if tt.wantMsg != "" && se.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", se.Message, tt.wantMsg)
			}
			if se.Detail == "" {
				t.Error("Detail is empty")
			}
		})
	}
}

func TestEval_ClosedContext(t *testing.T) {
	c, err := NewFactory(DefaultLimits()).NewContext(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.Close()
	c.Close()

	if _, err := c.Eval(context.Background(), "1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Eval after Close = %v, want ErrClosed", err)
	}
}

func TestNewContext_UnmarshalableInputs(t *testing.T) {
	_, err := NewFactory(DefaultLimits()).NewContext(map[string]any{"ch": make(chan int)}, nil)
	if !errors.Is(err, ErrInit) {
		t.Errorf("NewContext error = %v, want ErrInit", err)
	}
}

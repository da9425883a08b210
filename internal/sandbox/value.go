package sandbox

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/dop251/goja"
)

// Kind tags how a value left the sandbox.
type Kind int

const (
	// KindPrimitive values were exported directly (number, string, bool, null/undefined).
	KindPrimitive Kind = iota
	// KindStructured values were objects, serialized inside the context and
	// decoded on the host.
	KindStructured
)

func (k Kind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindStructured:
		return "structured"
	default:
		return "unknown"
	}
}

// Value is a fully materialized evaluation result. Data only ever holds
// nil, bool, float64, string, []any or map[string]any.
type Value struct {
	Kind Kind
	Data any
}

// materialize converts an engine value into a host value. Objects go through
// JSON.stringify inside the context so no engine handle escapes.
func (c *Context) materialize(v goja.Value) (Value, error) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return Value{Kind: KindPrimitive, Data: exportPrimitive(v)}, nil
	}

	s, err := c.stringify(goja.Undefined(), obj)
	if err != nil {
		return Value{}, c.classify(err)
	}
	if goja.IsUndefined(s) {
		// Functions and other values JSON cannot represent.
		return Value{Kind: KindStructured}, nil
	}

	var data any
	if err := json.Unmarshal([]byte(s.String()), &data); err != nil {
		return Value{}, fmt.Errorf("decoding result: %w", err)
	}
	return Value{Kind: KindStructured, Data: data}, nil
}

func exportPrimitive(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	switch x := v.Export().(type) {
	case int64:
		return float64(x)
	case float64:
		// Same as JSON.stringify.
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case string:
		return x
	case bool:
		return x
	default:
		return nil
	}
}

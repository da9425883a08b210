package sandbox

import (
	"fmt"
	"time"
)

// Limits bound a single evaluation pass. Guest code is untrusted, so every
// pass runs under all of them.
type Limits struct {
	EvalTimeout    time.Duration `yaml:"eval_timeout"`     // Wall clock per pass
	MaxCallStack   int           `yaml:"max_call_stack"`   // Guest call depth
	MaxTracedCalls int           `yaml:"max_traced_calls"` // Interception calls per pass
	MaxCodeBytes   int           `yaml:"max_code_bytes"`
}

func DefaultLimits() Limits {
	return Limits{
		EvalTimeout:    5 * time.Second,
		MaxCallStack:   1024,
		MaxTracedCalls: 256,
		MaxCodeBytes:   1 << 20, // 1MB
	}
}

func (l Limits) Validate() error {
	if l.EvalTimeout < 10*time.Millisecond || l.EvalTimeout > 5*time.Minute {
		return fmt.Errorf("%w: eval_timeout must be 10ms-5m, got %s", ErrInvalidLimits, l.EvalTimeout)
	}
	if l.MaxCallStack < 16 || l.MaxCallStack > 100000 {
		return fmt.Errorf("%w: max_call_stack must be 16-100000, got %d", ErrInvalidLimits, l.MaxCallStack)
	}
	if l.MaxTracedCalls < 1 || l.MaxTracedCalls > 10000 {
		return fmt.Errorf("%w: max_traced_calls must be 1-10000, got %d", ErrInvalidLimits, l.MaxTracedCalls)
	}
	if l.MaxCodeBytes < 1 || l.MaxCodeBytes > 16<<20 {
		return fmt.Errorf("%w: max_code_bytes must be 1-16777216, got %d", ErrInvalidLimits, l.MaxCodeBytes)
	}
	return nil
}

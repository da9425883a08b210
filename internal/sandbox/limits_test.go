package sandbox

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	if l.EvalTimeout != 5*time.Second {
		t.Errorf("EvalTimeout = %s, want 5s", l.EvalTimeout)
	}
	if l.MaxTracedCalls != 256 {
		t.Errorf("MaxTracedCalls = %d, want 256", l.MaxTracedCalls)
	}
	if err := l.Validate(); err != nil {
		t.Errorf("DefaultLimits().Validate() = %v, want nil", err)
	}
}

func TestValidate_Ceilings(t *testing.T) {
	base := DefaultLimits()

	tests := []struct {
		name   string
		modify func(*Limits)
		valid  bool
	}{
		{"timeout floor", func(l *Limits) { l.EvalTimeout = 10 * time.Millisecond }, true},
		{"timeout under", func(l *Limits) { l.EvalTimeout = time.Millisecond }, false},
		{"timeout over", func(l *Limits) { l.EvalTimeout = 6 * time.Minute }, false},
		{"stack floor", func(l *Limits) { l.MaxCallStack = 16 }, true},
		{"stack under", func(l *Limits) { l.MaxCallStack = 15 }, false},
		{"calls zero", func(l *Limits) { l.MaxTracedCalls = 0 }, false},
		{"calls ceiling", func(l *Limits) { l.MaxTracedCalls = 10000 }, true},
		{"calls over", func(l *Limits) { l.MaxTracedCalls = 10001 }, false},
		{"code over", func(l *Limits) { l.MaxCodeBytes = 16<<20 + 1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := base
			tt.modify(&l)
			err := l.Validate()
			if tt.valid && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidLimits) {
				t.Errorf("Validate() = %v, want ErrInvalidLimits", err)
			}
		})
	}
}

package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu         sync.Mutex
	executions []*Execution
	events     []*SecurityEventRecord
	failFirst  int
	calls      int
}

func (f *fakeStore) LogExecution(_ context.Context, exec *Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return errors.New("connection reset")
	}
	f.executions = append(f.executions, exec)
	return nil
}

func (f *fakeStore) LogSecurityEvent(_ context.Context, event *SecurityEventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func newTestWriter(store Store, buffer int) *AuditWriter {
	w := NewAuditWriter(store, buffer)
	w.retryBase = time.Millisecond
	return w
}

func TestAuditWriter_FlushDrains(t *testing.T) {
	store := &fakeStore{}
	w := newTestWriter(store, 16)
	w.Start()

	for _, id := range []string{"a", "b", "c"} {
		if !w.Log(AuditEntry{Execution: &Execution{ID: id, Status: "immediate"}}) {
			t.Fatalf("Log(%s) dropped", id)
		}
	}
	w.Flush(2 * time.Second)

	if len(store.executions) != 3 {
		t.Fatalf("stored %d executions, want 3", len(store.executions))
	}
}

func TestAuditWriter_Events(t *testing.T) {
	store := &fakeStore{}
	w := newTestWriter(store, 4)
	w.Start()

	w.Log(AuditEntry{
		Execution: &Execution{ID: "exec-1", Status: "replayed", SecurityEvents: 1},
		Events:    []SecurityEventRecord{{Pattern: "metadata_target", Severity: "critical"}},
	})
	w.Flush(2 * time.Second)

	if len(store.events) != 1 {
		t.Fatalf("stored %d events, want 1", len(store.events))
	}
	if store.events[0].ExecutionID != "exec-1" {
		t.Errorf("ExecutionID = %q, want exec-1", store.events[0].ExecutionID)
	}
}

func TestAuditWriter_Retry(t *testing.T) {
	store := &fakeStore{failFirst: 2}
	w := newTestWriter(store, 4)
	w.Start()

	w.Log(AuditEntry{Execution: &Execution{ID: "retry"}})
	w.Flush(2 * time.Second)

	if store.calls != 3 {
		t.Errorf("LogExecution called %d times, want 3", store.calls)
	}
	if len(store.executions) != 1 {
		t.Errorf("stored %d executions, want 1", len(store.executions))
	}
}

func TestAuditWriter_GivesUp(t *testing.T) {
	store := &fakeStore{failFirst: 100}
	w := newTestWriter(store, 4)
	w.Start()

	w.Log(AuditEntry{
		Execution: &Execution{ID: "lost"},
		Events:    []SecurityEventRecord{{Pattern: "dynamic_code"}},
	})
	w.Flush(2 * time.Second)

	if store.calls != 4 {
		t.Errorf("LogExecution called %d times, want 4", store.calls)
	}
	if len(store.events) != 0 {
		t.Errorf("events stored for a lost execution: %d", len(store.events))
	}
}

func TestAuditWriter_BufferFull(t *testing.T) {
	w := newTestWriter(&fakeStore{}, 1)
	// Not started: nothing drains the buffer.
	if !w.Log(AuditEntry{Execution: &Execution{ID: "first"}}) {
		t.Fatal("first entry dropped")
	}
	if w.Log(AuditEntry{Execution: &Execution{ID: "second"}}) {
		t.Error("second entry accepted by a full buffer")
	}
	if w.Log(AuditEntry{}) {
		t.Error("entry without execution accepted")
	}
}

func TestAuditWriter_FlushTwice(t *testing.T) {
	w := newTestWriter(&fakeStore{}, 1)
	w.Start()
	w.Flush(time.Second)
	w.Flush(time.Second)
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 100},
		{-5, 100},
		{50, 50},
		{1000, 1000},
		{1001, 100},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

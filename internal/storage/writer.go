package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Store is the write side of the audit log.
type Store interface {
	LogExecution(ctx context.Context, exec *Execution) error
	LogSecurityEvent(ctx context.Context, event *SecurityEventRecord) error
}

// AuditWriter persists audit entries off the request path. Entries are
// dropped, not blocked on, when the buffer is full.
type AuditWriter struct {
	store     Store
	ch        chan AuditEntry
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	retryBase time.Duration
}

func NewAuditWriter(store Store, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		store:     store,
		ch:        make(chan AuditEntry, bufferSize),
		done:      make(chan struct{}),
		retryBase: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Log enqueues an entry. It never blocks.
func (w *AuditWriter) Log(entry AuditEntry) bool {
	if entry.Execution == nil {
		return false
	}
	select {
	case w.ch <- entry:
		return true
	default:
		log.Warn().Str("exec_id", entry.Execution.ID).Msg("audit buffer full, dropping log entry")
		return false
	}
}

// Flush stops the writer and waits up to timeout for queued entries.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.closeOnce.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Int("pending", len(w.ch)).Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case entry := <-w.ch:
			w.write(entry)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case entry := <-w.ch:
					w.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) write(entry AuditEntry) {
	exec := entry.Execution
	if !w.withRetry(exec.ID, "execution", func(ctx context.Context) error {
		return w.store.LogExecution(ctx, exec)
	}) {
		return
	}
	for i := range entry.Events {
		event := &entry.Events[i]
		event.ExecutionID = exec.ID
		w.withRetry(exec.ID, "security_event", func(ctx context.Context) error {
			return w.store.LogSecurityEvent(ctx, event)
		})
	}
}

func (w *AuditWriter) withRetry(execID, kind string, fn func(context.Context) error) bool {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := fn(ctx)
		cancel()

		if err == nil {
			return true
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.retryBase
			log.Warn().
				Err(err).
				Str("exec_id", execID).
				Str("record", kind).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("exec_id", execID).
				Str("record", kind).
				Msg("audit write failed permanently after retries")
		}
	}
	return false
}

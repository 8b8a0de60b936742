// Package emit implements the event emitter: the sink-agnostic stage that
// assigns event ids, stamps timestamps, batches events, retries transient
// sink failures with exponential backoff, and parks what cannot be delivered
// in a bounded dead-letter ring backed by an optional durable spill queue.
package emit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pipetrace/agent/internal/event"
)

// Sink is the downstream contract. Submit either delivers the whole batch or
// returns an error classified as transient (wrap ErrTransient; retried) or
// fatal (anything else; dead-lettered immediately).
type Sink interface {
	Submit(ctx context.Context, batch []event.Event) error
	Close() error
}

// ErrTransient classifies a sink failure as retryable. Sinks wrap it:
//
//	return fmt.Errorf("%w: connect: %v", emit.ErrTransient, err)
var ErrTransient = errors.New("transient sink failure")

// IsTransient reports whether a sink error should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ─── NDJSON writer sink ──────────────────────────────────────────────────────

// WriterSink writes events as newline-delimited JSON to an io.Writer,
// typically stdout. Write failures on a local descriptor are not retryable
// and classify as fatal.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink over w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Submit writes one JSON line per event.
func (s *WriterSink) Submit(_ context.Context, batch []event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc := json.NewEncoder(s.w)
	for i := range batch {
		if err := enc.Encode(&batch[i]); err != nil {
			return fmt.Errorf("emit: write event: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the writer is owned by the caller.
func (s *WriterSink) Close() error { return nil }

// Package router implements the trigger router: the single consumer of the
// merged event-source stream. It collects raw records into bounded batches,
// orders starts before finishes within a batch, and dispatches each batch to
// the process state store.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pipetrace/agent/internal/ingest"
)

// Batching bounds: a batch is dispatched when it holds maxBatchSize triggers
// or when maxBatchDelay has elapsed since its first trigger, whichever comes
// first.
const (
	maxBatchSize  = 100
	maxBatchDelay = 10 * time.Millisecond
)

// Store is the router's downstream: the process state store. ApplyStart and
// ApplyFinish are invoked from the router goroutine only.
type Store interface {
	ApplyStart(raw ingest.ProcessRaw)
	ApplyFinish(raw ingest.ProcessRaw)
}

// Router batches and dispatches triggers. Create with New, then Run on a
// scheduler task.
type Router struct {
	source <-chan ingest.ProcessRaw
	store  Store
	logger *slog.Logger
	clock  clockwork.Clock

	mu      sync.Mutex
	batches uint64
}

// New creates a Router consuming source into store. Nil logger and clock
// select the defaults.
func New(source <-chan ingest.ProcessRaw, store Store, logger *slog.Logger, clock clockwork.Clock) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Router{
		source: source,
		store:  store,
		logger: logger,
		clock:  clock,
	}
}

// Batches returns the number of dispatched batches, for the info endpoint.
func (r *Router) Batches() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches
}

// Run consumes the source until ctx is cancelled or the source closes. On
// cancellation it drains whatever the source still buffers, dispatches the
// final batch, and returns.
func (r *Router) Run(ctx context.Context) error {
	batch := make([]ingest.ProcessRaw, 0, maxBatchSize)
	var timer clockwork.Timer

	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.dispatch(batch)
		batch = batch[:0]
	}

	for {
		var timeout <-chan time.Time
		if timer != nil {
			timeout = timer.Chan()
		}

		select {
		case <-ctx.Done():
			r.drain(&batch)
			flush()
			return ctx.Err()

		case raw, ok := <-r.source:
			if !ok {
				flush()
				return nil
			}
			if len(batch) == 0 {
				if timer == nil {
					timer = r.clock.NewTimer(maxBatchDelay)
				} else {
					timer.Reset(maxBatchDelay)
				}
			}
			batch = append(batch, raw)
			if len(batch) >= maxBatchSize {
				flush()
			}

		case <-timeout:
			flush()
		}
	}
}

// drain moves everything still buffered on the source into the batch so a
// shutdown loses no records the providers already delivered.
func (r *Router) drain(batch *[]ingest.ProcessRaw) {
	for {
		select {
		case raw, ok := <-r.source:
			if !ok {
				return
			}
			*batch = append(*batch, raw)
		default:
			return
		}
	}
}

// dispatch applies one batch to the store, all starts first. Processing
// starts before finishes avoids a spurious unmatched finish when both sides
// of a short-lived process arrive in the same drain.
func (r *Router) dispatch(batch []ingest.ProcessRaw) {
	for i := range batch {
		if batch[i].Kind == ingest.KindStart {
			r.store.ApplyStart(batch[i])
		}
	}
	for i := range batch {
		if batch[i].Kind == ingest.KindFinish {
			r.store.ApplyFinish(batch[i])
		}
	}

	r.mu.Lock()
	r.batches++
	r.mu.Unlock()

	r.logger.Debug("trigger batch dispatched", slog.Int("size", len(batch)))
}

package emit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/pipetrace/agent/internal/event"
	"github.com/pipetrace/agent/internal/metrics"
)

const (
	// maxBatch is the flush threshold; flushInterval bounds how long an
	// undersized batch may wait.
	maxBatch      = 256
	flushInterval = 5 * time.Second

	// Retry policy for transient sink failures. retryAttempts counts every
	// submit of a batch, the first one included.
	retryBase     = 100 * time.Millisecond
	retryCap      = 30 * time.Second
	retryAttempts = 6

	// deadLetterCap bounds the in-memory dead-letter ring.
	deadLetterCap = 1024

	// shutdownCap bounds the final flush when Run's context is cancelled.
	shutdownCap = 10 * time.Second
)

// Spill is the optional durable store for batches that exhaust retries, and
// the source of redelivery once the sink recovers.
type Spill interface {
	Persist(ctx context.Context, batch []event.Event) error
	Redeliver(ctx context.Context, submit func([]event.Event) error) (int, error)
}

// Emitter assigns monotonic event ids, stamps timestamps, and hands batches
// to the sink. Safe for concurrent use.
type Emitter struct {
	agent  *event.AgentContext
	sink   Sink
	spill  Spill
	logger *slog.Logger
	clock  clockwork.Clock
	met    *metrics.Set

	// newBackoff builds the per-flush retry policy; swapped in tests for an
	// immediate one.
	newBackoff func() backoff.BackOff

	mu     sync.Mutex
	buf    []event.Event
	dead   []event.Event // ring, newest appended, oldest dropped at cap
	kicked chan struct{}

	stopOnce sync.Once
}

// New creates an Emitter over sink. spill may be nil (no durable fallback).
func New(agent *event.AgentContext, sink Sink, spill Spill, logger *slog.Logger, met *metrics.Set) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		agent:  agent,
		sink:   sink,
		spill:  spill,
		logger: logger,
		clock:  agent.Clock,
		met:    met,
		kicked: make(chan struct{}, 1),
		newBackoff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = retryBase
			bo.MaxInterval = retryCap
			return backoff.WithMaxRetries(bo, retryAttempts-1)
		},
	}
}

// Enqueue stamps and buffers events. The event id is assigned here, under
// one lock, so ids are strictly increasing in buffer order across all
// producers. A full batch kicks the flusher instead of flushing inline, so
// callers (the state store) never wait on a sink.
func (e *Emitter) Enqueue(events ...event.Event) {
	if len(events) == 0 {
		return
	}

	e.mu.Lock()
	for i := range events {
		events[i].EventID = e.agent.NextEventID()
		if events[i].TsNs == 0 {
			events[i].TsNs = e.agent.NowNs()
		}
		e.buf = append(e.buf, events[i])
	}
	kick := len(e.buf) >= maxBatch
	e.mu.Unlock()

	if kick {
		select {
		case e.kicked <- struct{}{}:
		default:
		}
	}
}

// Run is the flusher loop: a scheduler task that flushes on the interval, on
// size kicks, and once more on cancellation (bounded by shutdownCap).
func (e *Emitter) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownCap)
			e.Flush(shutdownCtx)
			cancel()
			return ctx.Err()

		case <-ticker.Chan():
			e.Flush(ctx)

		case <-e.kicked:
			e.Flush(ctx)
		}
	}
}

// Flush submits everything currently buffered. On success it also attempts
// redelivery of spilled batches. Exposed for tests and the final shutdown
// path.
func (e *Emitter) Flush(ctx context.Context) {
	e.mu.Lock()
	batch := e.buf
	e.buf = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := e.submitWithRetry(ctx, batch); err != nil {
		e.deadLetter(ctx, batch, err)
		return
	}

	if e.met != nil {
		e.met.EventsEmitted.Add(float64(len(batch)))
	}
	e.redeliverSpilled(ctx)
}

// submitWithRetry retries transient failures per the backoff policy. A fatal
// error or an exhausted retry budget is returned to the caller.
func (e *Emitter) submitWithRetry(ctx context.Context, batch []event.Event) error {
	bo := backoff.WithContext(e.newBackoff(), ctx)

	return backoff.Retry(func() error {
		err := e.sink.Submit(ctx, batch)
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			if e.met != nil {
				e.met.SinkRetries.Inc()
			}
			e.logger.Warn("emit: transient sink failure, will retry", slog.Any("error", err))
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

// deadLetter parks an undeliverable batch in the bounded ring and, when a
// spill store is configured, persists it for redelivery after restart or
// recovery.
func (e *Emitter) deadLetter(ctx context.Context, batch []event.Event, cause error) {
	e.logger.Error("emit: batch undeliverable, dead-lettering",
		slog.Int("events", len(batch)),
		slog.Any("error", cause),
	)
	if e.met != nil {
		e.met.EventsDeadLetter.Add(float64(len(batch)))
	}

	e.mu.Lock()
	e.dead = append(e.dead, batch...)
	if overflow := len(e.dead) - deadLetterCap; overflow > 0 {
		e.dead = append(e.dead[:0], e.dead[overflow:]...)
	}
	e.mu.Unlock()

	if e.spill != nil {
		if err := e.spill.Persist(ctx, batch); err != nil {
			e.logger.Error("emit: spill persist failed", slog.Any("error", err))
		} else if e.met != nil {
			e.met.BatchesSpilled.Inc()
		}
	}
}

// redeliverSpilled drains spilled batches through the (currently healthy)
// sink. A failure stops the drain; the remainder stays queued.
func (e *Emitter) redeliverSpilled(ctx context.Context) {
	if e.spill == nil {
		return
	}
	n, err := e.spill.Redeliver(ctx, func(batch []event.Event) error {
		return e.sink.Submit(ctx, batch)
	})
	if err != nil {
		e.logger.Warn("emit: spill redelivery interrupted", slog.Any("error", err))
	}
	if n > 0 && e.met != nil {
		for i := 0; i < n; i++ {
			e.met.BatchesRedelivered.Inc()
		}
	}
}

// DeadLetters returns a copy of the dead-letter ring, newest last.
func (e *Emitter) DeadLetters() []event.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]event.Event(nil), e.dead...)
}

// Pending returns the number of buffered, unflushed events.
func (e *Emitter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buf)
}

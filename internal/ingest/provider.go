package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pipetrace/agent/internal/metrics"
)

// Provider is the common interface of the kernel bridge and the /proc
// poller. Implementations must be safe for concurrent use.
//
// Start begins delivery and returns an error if initialisation fails; Stop
// ceases delivery, blocks until internal goroutines exit, and closes the
// Events channel. Stop is idempotent.
type Provider interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan ProcessRaw
}

// kernelWinsWindow is how close (in event time) a kernel and a /proc record
// for the same pid must be to count as the same process. Within the window
// the kernel record wins because its argv was captured at exec time.
const kernelWinsWindow = 500 * time.Millisecond

// Merged composes the kernel bridge and the /proc poller into one stream.
//
// Poller start records are held for kernelWinsWindow before being forwarded
// so that a kernel record arriving inside the window replaces them; kernel
// records pass through immediately. Finish records are never held. When only
// one provider is configured the merger degrades to a passthrough.
type Merged struct {
	providers []Provider
	logger    *slog.Logger
	clock     clockwork.Clock
	met       *metrics.Set

	events   chan ProcessRaw
	mu       sync.Mutex
	held     map[uint32]heldStart // pid -> delayed poller start
	seen     map[uint32]seenStart // pid -> last forwarded start
	cancel   func()
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type heldStart struct {
	raw     ProcessRaw
	heldAt  time.Time
	release time.Time
}

type seenStart struct {
	startNs uint64
	origin  Origin
}

// NewMerged creates the merged source. If logger is nil, slog.Default() is
// used; a nil clock selects the real clock.
func NewMerged(providers []Provider, logger *slog.Logger, clock clockwork.Clock, met *metrics.Set) *Merged {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Merged{
		providers: providers,
		logger:    logger,
		clock:     clock,
		met:       met,
		events:    make(chan ProcessRaw, 1024),
		held:      make(map[uint32]heldStart),
		seen:      make(map[uint32]seenStart),
	}
}

// Events returns the merged stream. The channel is closed after Stop
// returns.
func (m *Merged) Events() <-chan ProcessRaw {
	return m.events
}

// Start starts the underlying providers and the merge loops. A provider
// that fails to initialise is a degradation as long as another provider
// survives: the failure is logged, the stream continues on the remaining
// source. Only when every provider fails does Start return an error (the
// agent has no event source left, which is fatal).
func (m *Merged) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	var started []Provider
	var errs []error
	for _, p := range m.providers {
		if err := p.Start(ctx); err != nil {
			errs = append(errs, err)
			m.logger.Warn("ingest: provider failed to start, degrading",
				slog.Any("error", err))
			continue
		}
		started = append(started, p)
	}
	if len(started) == 0 {
		cancel()
		return fmt.Errorf("ingest: no event source available: %w", errors.Join(errs...))
	}
	m.providers = started

	for _, p := range started {
		m.wg.Add(1)
		go m.forward(ctx, p)
	}

	m.wg.Add(1)
	go m.releaseLoop(ctx)
	return nil
}

// Stop stops the providers, waits for the merge loops, flushes any held
// poller starts, and closes the merged channel.
func (m *Merged) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		for _, p := range m.providers {
			p.Stop()
		}
		m.wg.Wait()

		m.mu.Lock()
		for pid, h := range m.held {
			delete(m.held, pid)
			m.emit(h.raw)
		}
		m.mu.Unlock()

		close(m.events)
	})
}

// forward drains one provider into the merge.
func (m *Merged) forward(ctx context.Context, p Provider) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-p.Events():
			if !ok {
				return
			}
			m.offer(raw)
		}
	}
}

// offer routes one record through the dedup logic.
func (m *Merged) offer(raw ProcessRaw) {
	if raw.Kind == KindFinish {
		m.emit(raw)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.seen[raw.PID]; ok && withinWindow(prev.startNs, raw.StartedAtNs) {
		// Already forwarded for this lifetime; the later copy is dropped
		// regardless of origin (the state store treats replays as no-ops).
		if m.met != nil {
			m.met.DuplicateStartsDropped.Inc()
		}
		return
	}

	switch raw.Origin {
	case OriginKernel:
		if h, ok := m.held[raw.PID]; ok && withinWindow(h.raw.StartedAtNs, raw.StartedAtNs) {
			// The poller saw it first but had not forwarded yet: the kernel
			// record wins, carrying the poller's reconstructed timestamp so
			// the upid is identical whichever provider reported first.
			delete(m.held, raw.PID)
			raw.StartedAtNs = h.raw.StartedAtNs
		}
		m.seen[raw.PID] = seenStart{startNs: raw.StartedAtNs, origin: OriginKernel}
		m.emitLocked(raw)

	case OriginProcfs:
		if len(m.providers) == 1 {
			// No kernel bridge configured: nothing to wait for.
			m.seen[raw.PID] = seenStart{startNs: raw.StartedAtNs, origin: OriginProcfs}
			m.emitLocked(raw)
			return
		}
		now := m.clock.Now()
		m.held[raw.PID] = heldStart{raw: raw, heldAt: now, release: now.Add(kernelWinsWindow)}
	}
}

// releaseLoop forwards held poller starts whose grace window elapsed without
// a kernel record.
func (m *Merged) releaseLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := m.clock.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			now := m.clock.Now()
			m.mu.Lock()
			for pid, h := range m.held {
				if now.Before(h.release) {
					continue
				}
				delete(m.held, pid)
				m.seen[pid] = seenStart{startNs: h.raw.StartedAtNs, origin: OriginProcfs}
				m.emitLocked(h.raw)
			}
			// Drop stale dedup entries so the map does not grow with pid churn.
			if len(m.seen) > 65536 {
				m.seen = make(map[uint32]seenStart)
			}
			m.mu.Unlock()
		}
	}
}

// emit delivers a record to the bounded trigger channel. Poller records are
// dropped (and counted) when the channel is full; kernel records wait for
// room so that the richer stream survives overload.
func (m *Merged) emit(raw ProcessRaw) {
	if raw.Origin == OriginKernel {
		m.events <- raw
		return
	}
	select {
	case m.events <- raw:
	default:
		if m.met != nil {
			m.met.TriggersDropped.Inc()
		}
		m.logger.Warn("ingest: trigger channel full, dropping /proc record",
			slog.Uint64("pid", uint64(raw.PID)),
			slog.String("kind", raw.Kind.String()),
		)
	}
}

// emitLocked is emit for callers already holding mu.
func (m *Merged) emitLocked(raw ProcessRaw) {
	m.emit(raw)
}

func withinWindow(aNs, bNs uint64) bool {
	d := int64(aNs) - int64(bNs)
	if d < 0 {
		d = -d
	}
	return time.Duration(d) <= kernelWinsWindow
}

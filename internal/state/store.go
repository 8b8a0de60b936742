// Package state implements the process state store: the authoritative map
// from pid to process lifetime. It correlates start and finish triggers,
// deduplicates replays, runs classification inline, feeds the pipeline
// matcher an append-only stream of classified transitions, and produces the
// egress events for each accepted transition.
//
// All mutation funnels through one coarse write lock; events are produced
// outside the lock so the emitter can never extend a critical section.
package state

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pipetrace/agent/internal/event"
	"github.com/pipetrace/agent/internal/ingest"
	"github.com/pipetrace/agent/internal/metrics"
	"github.com/pipetrace/agent/internal/pipeline"
	"github.com/pipetrace/agent/internal/rules"
	"github.com/pipetrace/agent/internal/sample"
)

const (
	// startGrace is how long an unmatched finish waits for its start.
	startGrace = 2 * time.Second
	// finalizedTTL is how long finalized lifetimes are kept for inspection
	// before the reaper garbage-collects them.
	finalizedTTL = 60 * time.Second
	// dedupWindow is the timestamp tolerance under which a start replay for
	// an open pid counts as the same lifetime. It matches the ingest merge
	// window so a kernel record catching up after a /proc report is always
	// recognised.
	dedupWindow = 500 * time.Millisecond
)

// Lifetime is the authoritative record of one observed process.
type Lifetime struct {
	PID         uint32
	PPID        uint32
	UPID        string
	StartTsNs   uint64
	FinishTsNs  uint64 // zero while running
	ExitCode    *int32
	Comm        string
	Cmdline     string
	Argv        []string
	DisplayName string // empty while unclassified
	RuleName    string
	TaskID      string // empty until matched
	seenSamples map[string]bool
	emitted     bool // a ProcessStart event was produced
	finalizedAt time.Time
}

// Emitter receives the events a transition produced. Implementations must
// not block for long; the agent's emitter buffers internally.
type Emitter interface {
	Enqueue(events ...event.Event)
}

// Store is the process state store. Safe for concurrent use.
type Store struct {
	agent     *event.AgentContext
	evaluator *rules.Evaluator
	matcher   *pipeline.Matcher
	extractor *sample.Extractor
	emitter   Emitter
	logger    *slog.Logger
	clock     clockwork.Clock
	met       *metrics.Set

	mu        sync.RWMutex
	live      map[uint32]*Lifetime
	finalized []*Lifetime
	pending   map[uint32]pendingFinish
}

// pendingFinish buffers a finish that arrived before its start.
type pendingFinish struct {
	raw     ingest.ProcessRaw
	expires time.Time
}

// New creates the store. evaluator and extractor are required; matcher and
// emitter may be nil (useful in tests), in which case matching and emission
// are skipped.
func New(
	agent *event.AgentContext,
	evaluator *rules.Evaluator,
	matcher *pipeline.Matcher,
	extractor *sample.Extractor,
	emitter Emitter,
	logger *slog.Logger,
	met *metrics.Set,
) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		agent:     agent,
		evaluator: evaluator,
		matcher:   matcher,
		extractor: extractor,
		emitter:   emitter,
		logger:    logger,
		clock:     agent.Clock,
		met:       met,
		live:      make(map[uint32]*Lifetime),
		pending:   make(map[uint32]pendingFinish),
	}
}

// Stats is the store snapshot surfaced by the info endpoint.
type Stats struct {
	Live          int `json:"live"`
	Finalized     int `json:"finalized"`
	PendingFinish int `json:"pending_finish"`
}

// Stats returns current occupancy under the read lock.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Live:          len(s.live),
		Finalized:     len(s.finalized),
		PendingFinish: len(s.pending),
	}
}

// ApplyStart ingests one start trigger. A replay of an open lifetime (same
// pid, start timestamp within the dedup window) is an idempotent no-op,
// except that a richer kernel argv upgrades a lifetime first reported by the
// /proc poller. A conflicting timestamp on an open pid is a state violation:
// the record is discarded and counted.
func (s *Store) ApplyStart(raw ingest.ProcessRaw) {
	s.mu.Lock()

	if existing, ok := s.live[raw.PID]; ok {
		if withinDedup(existing.StartTsNs, raw.StartedAtNs) {
			if raw.Origin == ingest.OriginKernel && len(raw.Argv) > len(existing.Argv) {
				existing.Argv = raw.Argv
				existing.Cmdline = raw.Cmdline()
			}
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		if s.met != nil {
			s.met.StateViolations.Inc()
		}
		s.logger.Warn("state: duplicate start with conflicting timestamp",
			slog.Uint64("pid", uint64(raw.PID)),
			slog.Uint64("have_ts", existing.StartTsNs),
			slog.Uint64("got_ts", raw.StartedAtNs),
		)
		return
	}

	lt := &Lifetime{
		PID:         raw.PID,
		PPID:        raw.PPID,
		UPID:        s.agent.UPID(raw.PID, raw.StartedAtNs),
		StartTsNs:   raw.StartedAtNs,
		Comm:        raw.Comm,
		Cmdline:     raw.Cmdline(),
		Argv:        raw.Argv,
		seenSamples: make(map[string]bool),
	}
	s.live[raw.PID] = lt

	view := rules.ProcessView{
		ProcessName: processName(raw),
		Argv:        raw.Argv,
		Cmdline:     lt.Cmdline,
	}
	match, classified := s.evaluator.Evaluate(view)

	var out []event.Event
	if classified {
		lt.DisplayName = match.DisplayName
		lt.RuleName = match.RuleName
		lt.emitted = true

		out = append(out, event.Event{
			Kind:        event.KindProcessStart,
			TsNs:        raw.StartedAtNs,
			PID:         lt.PID,
			PPID:        lt.PPID,
			UPID:        lt.UPID,
			DisplayName: lt.DisplayName,
			Comm:        lt.Comm,
			Cmdline:     lt.Cmdline,
			Argv:        lt.Argv,
		})

		if s.matcher != nil {
			ref, taskEvents := s.matcher.ObserveStart(pipeline.StartObservation{
				UPID:        lt.UPID,
				PID:         lt.PID,
				PPID:        lt.PPID,
				TsNs:        raw.StartedAtNs,
				RuleName:    match.RuleName,
				DisplayName: match.DisplayName,
				View:        view,
			})
			if ref != nil {
				lt.TaskID = ref.String()
			}
			out = append(out, taskEvents...)
		}

		if s.extractor != nil {
			for _, path := range s.extractor.Extract(raw.Argv) {
				if lt.seenSamples[path] || len(lt.seenSamples) >= sample.MaxPerProcess {
					continue
				}
				lt.seenSamples[path] = true
				out = append(out, event.Event{
					Kind:       event.KindDataSample,
					TsNs:       raw.StartedAtNs,
					PID:        lt.PID,
					PPID:       lt.PPID,
					UPID:       lt.UPID,
					SamplePath: path,
				})
			}
		}
	}

	// A finish that raced ahead of this start is applied now.
	deferred, hadPending := s.pending[raw.PID]
	delete(s.pending, raw.PID)

	s.mu.Unlock()

	s.emit(out)
	if hadPending {
		s.ApplyFinish(deferred.raw)
	}
}

// ApplyFinish ingests one finish trigger. Unknown pids are parked in the
// pending buffer until a start arrives or the grace period expires. A finish
// timestamp earlier than the lifetime's start is a state violation.
func (s *Store) ApplyFinish(raw ingest.ProcessRaw) {
	s.mu.Lock()

	lt, ok := s.live[raw.PID]
	if !ok {
		s.pending[raw.PID] = pendingFinish{
			raw:     raw,
			expires: s.clock.Now().Add(startGrace),
		}
		s.mu.Unlock()
		return
	}

	if raw.StartedAtNs < lt.StartTsNs {
		s.mu.Unlock()
		if s.met != nil {
			s.met.StateViolations.Inc()
		}
		s.logger.Warn("state: finish precedes start, record discarded",
			slog.Uint64("pid", uint64(raw.PID)),
			slog.Uint64("start_ts", lt.StartTsNs),
			slog.Uint64("finish_ts", raw.StartedAtNs),
		)
		return
	}

	delete(s.live, raw.PID)
	lt.FinishTsNs = raw.StartedAtNs
	lt.finalizedAt = s.clock.Now()
	s.finalized = append(s.finalized, lt)

	var out []event.Event
	if lt.emitted {
		out = append(out, event.Event{
			Kind:        event.KindProcessFinish,
			TsNs:        raw.StartedAtNs,
			PID:         lt.PID,
			PPID:        lt.PPID,
			UPID:        lt.UPID,
			DisplayName: lt.DisplayName,
			ExitCode:    lt.ExitCode,
		})
		if s.matcher != nil && lt.TaskID != "" {
			out = append(out, s.matcher.ObserveFinish(lt.UPID, lt.PID, lt.PPID, raw.StartedAtNs)...)
		}
	}

	s.mu.Unlock()
	s.emit(out)
}

// ReapExpired is called by the scheduler on a fixed cadence. It drops
// pending finishes whose grace elapsed (counting each as an orphan) and
// garbage-collects finalized lifetimes older than finalizedTTL.
func (s *Store) ReapExpired() {
	now := s.clock.Now()

	s.mu.Lock()
	orphans := 0
	for pid, pf := range s.pending {
		if now.After(pf.expires) {
			delete(s.pending, pid)
			orphans++
		}
	}

	keep := s.finalized[:0]
	for _, lt := range s.finalized {
		if now.Sub(lt.finalizedAt) < finalizedTTL {
			keep = append(keep, lt)
		}
	}
	s.finalized = keep
	s.mu.Unlock()

	if orphans > 0 {
		if s.met != nil {
			for i := 0; i < orphans; i++ {
				s.met.OrphanFinishDropped.Inc()
			}
		}
		s.logger.Debug("state: dropped expired orphan finishes", slog.Int("count", orphans))
	}
}

// Finalize is the shutdown counterpart of ReapExpired: every finish still
// waiting in the pending buffer is dropped as an orphan regardless of how
// much grace remains, because its start can no longer arrive once the
// providers are closed. Live lifetimes stay live; the agent does not invent
// finishes for processes that are still running.
func (s *Store) Finalize() {
	s.mu.Lock()
	orphans := len(s.pending)
	if orphans > 0 {
		s.pending = make(map[uint32]pendingFinish)
	}
	s.mu.Unlock()

	if orphans > 0 {
		if s.met != nil {
			for i := 0; i < orphans; i++ {
				s.met.OrphanFinishDropped.Inc()
			}
		}
		s.logger.Debug("state: dropped orphan finishes at shutdown", slog.Int("count", orphans))
	}
}

// Lookup returns the live lifetime for pid, for introspection.
func (s *Store) Lookup(pid uint32) (Lifetime, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lt, ok := s.live[pid]
	if !ok {
		return Lifetime{}, false
	}
	return *lt, true
}

func (s *Store) emit(events []event.Event) {
	if s.emitter == nil || len(events) == 0 {
		return
	}
	s.emitter.Enqueue(events...)
}

// processName picks the identity the rule DSL sees: the executable base name
// when the provider captured a path, otherwise the kernel comm.
func processName(raw ingest.ProcessRaw) string {
	if len(raw.Argv) > 0 {
		if base := baseName(raw.Argv[0]); base != "" {
			return base
		}
	}
	if raw.FileName != "" {
		if base := baseName(raw.FileName); base != "" {
			return base
		}
	}
	return raw.Comm
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

func withinDedup(aNs, bNs uint64) bool {
	d := int64(aNs) - int64(bNs)
	if d < 0 {
		d = -d
	}
	return time.Duration(d) <= dedupWindow
}

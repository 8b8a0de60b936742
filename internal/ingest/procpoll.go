package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// DefaultPollInterval is the /proc snapshot cadence.
const DefaultPollInterval = 25 * time.Millisecond

// procInfo is one process row of a /proc snapshot.
type procInfo struct {
	ppid    uint32
	comm    string
	exe     string
	argv    []string
	startNs uint64 // nanoseconds since boot, jiffy resolution
}

// procLister produces pid snapshots. The production implementation reads
// /proc through gopsutil; tests substitute a scripted lister.
type procLister interface {
	Snapshot() (map[uint32]procInfo, error)
}

// ProcPoller synthesises Start records for pids that appear between
// snapshots and Finish records for pids that vanish. It implements Provider.
//
// Start timestamps are reconstructed from the process start time relative to
// boot, so they are comparable (within the merge window) with the kernel
// bridge's monotonic timestamps.
type ProcPoller struct {
	lister   procLister
	interval time.Duration
	logger   *slog.Logger
	clock    clockwork.Clock

	events   chan ProcessRaw
	mu       sync.Mutex
	cancel   func()
	stopOnce sync.Once
	wg       sync.WaitGroup

	snapshot map[uint32]procInfo
}

// NewProcPoller creates a poller over the real /proc. A non-positive
// interval selects DefaultPollInterval; nil logger and clock select the
// defaults.
func NewProcPoller(interval time.Duration, logger *slog.Logger, clock clockwork.Clock) *ProcPoller {
	return newProcPoller(gopsutilLister{}, interval, logger, clock)
}

func newProcPoller(l procLister, interval time.Duration, logger *slog.Logger, clock clockwork.Clock) *ProcPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ProcPoller{
		lister:   l,
		interval: interval,
		logger:   logger,
		clock:    clock,
		events:   make(chan ProcessRaw, 512),
	}
}

// Events returns the poller's output stream. Closed after Stop returns.
func (p *ProcPoller) Events() <-chan ProcessRaw {
	return p.events
}

// Start takes the initial snapshot and begins polling. Processes already
// running at startup populate the baseline without synthesising Start
// records; the agent reports processes it observed beginning, not the whole
// process table.
func (p *ProcPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return nil // already running
	}

	snap, err := p.lister.Snapshot()
	if err != nil {
		return err
	}
	p.snapshot = snap

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.pollLoop(ctx)

	p.logger.Info("proc poller started",
		slog.Duration("interval", p.interval),
		slog.Int("baseline_pids", len(snap)),
	)
	return nil
}

// Stop halts polling, waits for the loop, and closes the Events channel.
// Idempotent.
func (p *ProcPoller) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		cancel := p.cancel
		p.cancel = nil
		p.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		p.wg.Wait()
		close(p.events)
		p.logger.Info("proc poller stopped")
	})
}

func (p *ProcPoller) pollLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.diff(ctx)
		}
	}
}

// diff takes a snapshot and emits Start records for new pids and Finish
// records for vanished ones. A snapshot failure is logged and skipped; the
// next tick retries.
func (p *ProcPoller) diff(ctx context.Context) {
	next, err := p.lister.Snapshot()
	if err != nil {
		p.logger.Warn("proc poller: snapshot failed", slog.Any("error", err))
		return
	}

	prev := p.snapshot
	p.snapshot = next

	for pid, info := range next {
		if _, known := prev[pid]; known {
			continue
		}
		p.deliver(ctx, ProcessRaw{
			PID:         pid,
			PPID:        info.ppid,
			Kind:        KindStart,
			Comm:        info.comm,
			FileName:    info.exe,
			Argv:        info.argv,
			StartedAtNs: info.startNs,
			Origin:      OriginProcfs,
		})
	}

	nowNs := monotonicNowNs()
	for pid, info := range prev {
		if _, alive := next[pid]; alive {
			continue
		}
		p.deliver(ctx, ProcessRaw{
			PID:         pid,
			PPID:        info.ppid,
			Kind:        KindFinish,
			Comm:        info.comm,
			StartedAtNs: nowNs,
			Origin:      OriginProcfs,
		})
	}
}

func (p *ProcPoller) deliver(ctx context.Context, raw ProcessRaw) {
	select {
	case p.events <- raw:
	case <-ctx.Done():
	}
}

// ─── gopsutil-backed lister ──────────────────────────────────────────────────

type gopsutilLister struct{}

// Snapshot reads the live process table. Rows that vanish mid-read (the
// process exited between enumeration and the detail reads) are skipped; the
// exit will surface as a vanished pid on the next diff.
func (gopsutilLister) Snapshot() (map[uint32]procInfo, error) {
	pids, err := process.Pids()
	if err != nil {
		return nil, err
	}

	monoNs := monotonicNowNs()
	wallNs := uint64(time.Now().UnixNano())

	snap := make(map[uint32]procInfo, len(pids))
	for _, pid := range pids {
		proc, err := process.NewProcess(pid)
		if err != nil {
			continue
		}
		info := procInfo{}
		if ppid, err := proc.Ppid(); err == nil {
			info.ppid = uint32(ppid)
		}
		if name, err := proc.Name(); err == nil {
			info.comm = name
		}
		if exe, err := proc.Exe(); err == nil {
			info.exe = exe
		}
		if argv, err := proc.CmdlineSlice(); err == nil {
			info.argv = argv
		}
		createMs, err := proc.CreateTime()
		if err != nil {
			continue
		}
		// Translate the wall-clock create time into nanoseconds since boot
		// so poller timestamps line up with the kernel bridge's monotonic
		// clock.
		age := int64(wallNs) - createMs*int64(time.Millisecond)
		startNs := int64(monoNs) - age
		if startNs < 0 {
			startNs = 0
		}
		info.startNs = uint64(startNs)
		snap[uint32(pid)] = info
	}
	return snap, nil
}

// monotonicNowNs returns CLOCK_MONOTONIC in nanoseconds, the same timebase
// the kernel program stamps events with.
func monotonicNowNs() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Sec)*uint64(time.Second) + uint64(ts.Nsec)
}

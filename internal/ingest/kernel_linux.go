// Kernel bridge: loads the pre-compiled exec/exit tracepoint program,
// attaches it, and drains its BPF ring buffer into ProcessRaw records.
//
// The companion kernel program (process.bpf.c) attaches to the
// sched_process_exec and sched_process_exit tracepoints and writes fixed-size
// event records (see raw.go) to a BPF_MAP_TYPE_RINGBUF named "proc_events".
//
// Kernel requirements: Linux ≥ 5.8 (ring buffer), CAP_BPF or CAP_SYS_ADMIN,
// BTF available for CO-RE relocation.
//
// Standard builds carry no embedded BPF object and Start returns a
// descriptive error; the agent then degrades to /proc polling when that is
// enabled. Build with -tags bpf_embedded (after compiling process.bpf.o) to
// bundle the object, or call SetBPFObject before Start.
//
//go:build linux

package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/pipetrace/agent/internal/metrics"
)

// bpfObjectBytes holds the pre-compiled BPF object. Nil in standard builds;
// kernel_embed_linux.go assigns it when built with -tags bpf_embedded.
var bpfObjectBytes []byte

// Names shared with the kernel program.
const (
	ringMapName  = "proc_events"
	dropsMapName = "event_drops"
	execProgName = "handle_exec"
	exitProgName = "handle_exit"
)

// Drain safety caps. The poll loop applies all three so that a misbehaving
// producer cannot monopolise the bridge goroutine.
const (
	pollTimeout      = 100 * time.Millisecond
	maxBatchEvents   = 256
	maxBatchDuration = 50 * time.Millisecond
)

// ErrNoBPFObject is returned by Start when no BPF object is available.
var ErrNoBPFObject = errors.New(
	"ingest: no BPF object available; build with -tags bpf_embedded or call SetBPFObject before Start")

// KernelBridge is the eBPF-backed Provider. It owns the loaded collection
// and the ring-buffer reader; samples are copied into ProcessRaw records
// before the callback returns, so the reader may reuse its buffers.
type KernelBridge struct {
	logger   *slog.Logger
	met      *metrics.Set
	objBytes []byte

	events   chan ProcessRaw
	mu       sync.Mutex
	cancel   func()
	stopOnce sync.Once
	wg       sync.WaitGroup

	coll      *ebpf.Collection
	links     []link.Link
	reader    *ringbuf.Reader
	dropsMap  *ebpf.Map
	lastDrops uint64
}

// NewKernelBridge creates the bridge. If logger is nil, slog.Default() is
// used. The returned bridge is not yet started.
func NewKernelBridge(logger *slog.Logger, met *metrics.Set) *KernelBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &KernelBridge{
		logger: logger,
		met:    met,
		events: make(chan ProcessRaw, 512),
	}
}

// SetBPFObject supplies the compiled BPF object bytes to use when Start is
// called, overriding the embedded object. Must be called before Start.
func (k *KernelBridge) SetBPFObject(obj []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.objBytes = obj
}

// Events returns the bridge's output stream. The channel is closed after
// Stop returns.
func (k *KernelBridge) Events() <-chan ProcessRaw {
	return k.events
}

// Start loads the BPF collection, attaches both tracepoints, opens the ring
// buffer, and launches the blocking drain loop on its own goroutine (the
// scheduler dedicates an OS thread to it). Calling Start on a running bridge
// is a no-op.
func (k *KernelBridge) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.cancel != nil {
		return nil // already running
	}

	objBytes := k.objBytes
	if len(objBytes) == 0 {
		objBytes = bpfObjectBytes
	}
	if len(objBytes) == 0 {
		return ErrNoBPFObject
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("ingest: remove memlock rlimit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(objBytes))
	if err != nil {
		return fmt.Errorf("ingest: parse BPF object: %w", err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("ingest: load BPF collection: %w (requires CAP_BPF)", err)
	}

	var links []link.Link
	attach := func(group, name, prog string) error {
		p, ok := coll.Programs[prog]
		if !ok {
			return fmt.Errorf("ingest: BPF object has no program %q", prog)
		}
		l, err := link.Tracepoint(group, name, p, nil)
		if err != nil {
			return fmt.Errorf("ingest: attach %s/%s: %w", group, name, err)
		}
		links = append(links, l)
		return nil
	}
	cleanup := func() {
		for _, l := range links {
			_ = l.Close()
		}
		coll.Close()
	}

	if err := attach("sched", "sched_process_exec", execProgName); err != nil {
		cleanup()
		return err
	}
	if err := attach("sched", "sched_process_exit", exitProgName); err != nil {
		cleanup()
		return err
	}

	ringMap, ok := coll.Maps[ringMapName]
	if !ok {
		cleanup()
		return fmt.Errorf("ingest: BPF object has no map %q", ringMapName)
	}
	reader, err := ringbuf.NewReader(ringMap)
	if err != nil {
		cleanup()
		return fmt.Errorf("ingest: open ring buffer: %w", err)
	}

	k.coll = coll
	k.links = links
	k.reader = reader
	// The kernel program counts reservation failures in an optional
	// single-slot array map; absence just disables the overrun metric.
	k.dropsMap = coll.Maps[dropsMapName]

	ctx, cancel := context.WithCancel(ctx)
	k.cancel = cancel

	k.wg.Add(1)
	go k.drainLoop(ctx)

	k.logger.Info("kernel bridge started",
		slog.String("mechanism", "eBPF/tracepoint+ringbuf"),
		slog.Int("pid", os.Getpid()),
	)
	return nil
}

// Stop closes the ring buffer (which unblocks the drain loop), detaches the
// tracepoints, waits for the loop, and closes the Events channel. Idempotent.
func (k *KernelBridge) Stop() {
	k.stopOnce.Do(func() {
		k.mu.Lock()
		cancel := k.cancel
		k.cancel = nil
		reader := k.reader
		k.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if reader != nil {
			_ = reader.Close()
		}
		k.wg.Wait()

		k.mu.Lock()
		for _, l := range k.links {
			_ = l.Close()
		}
		k.links = nil
		if k.coll != nil {
			k.coll.Close()
			k.coll = nil
		}
		k.mu.Unlock()

		close(k.events)
		k.logger.Info("kernel bridge stopped")
	})
}

// drainLoop is the blocking poll loop, pinned to its own OS thread so ring
// polling never competes with the cooperative tasks for a scheduler slot.
// Reads use a short deadline so the loop stays responsive to shutdown; each
// wakeup drains at most maxBatchEvents records or maxBatchDuration,
// whichever comes first.
func (k *KernelBridge) drainLoop(ctx context.Context) {
	defer k.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		k.reader.SetDeadline(time.Now().Add(pollTimeout))

		batchStart := time.Now()
		for n := 0; n < maxBatchEvents && time.Since(batchStart) < maxBatchDuration; n++ {
			record, err := k.reader.Read()
			if err != nil {
				if errors.Is(err, ringbuf.ErrClosed) {
					return
				}
				if errors.Is(err, os.ErrDeadlineExceeded) {
					break // quiet ring; back to the shutdown check
				}
				k.logger.Warn("kernel bridge: ring buffer read error", slog.Any("error", err))
				break
			}

			raw, err := DecodeRaw(record.RawSample)
			if err != nil {
				if k.met != nil {
					k.met.ParseMismatches.Inc()
				}
				k.logger.Warn("kernel bridge: sample rejected", slog.Any("error", err))
				continue
			}

			select {
			case k.events <- raw:
			case <-ctx.Done():
				return
			}
		}

		k.observeDrops()
	}
}

// observeDrops surfaces kernel-side ring reservation failures as a counter.
func (k *KernelBridge) observeDrops() {
	if k.dropsMap == nil || k.met == nil {
		return
	}
	var total uint64
	if err := k.dropsMap.Lookup(uint32(0), &total); err != nil {
		return
	}
	if total > k.lastDrops {
		k.met.RingOverruns.Add(float64(total - k.lastDrops))
		k.lastDrops = total
	}
}

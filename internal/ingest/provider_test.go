package ingest

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pipetrace/agent/internal/metrics"
)

// noopTestLogger returns a logger that discards everything below a level no
// record reaches.
func noopTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

// stubProvider delivers scripted records when poked.
type stubProvider struct {
	ch chan ProcessRaw
}

func newStubProvider() *stubProvider {
	return &stubProvider{ch: make(chan ProcessRaw, 64)}
}

func (s *stubProvider) Start(context.Context) error   { return nil }
func (s *stubProvider) Stop()                         {}
func (s *stubProvider) Events() <-chan ProcessRaw     { return s.ch }
func (s *stubProvider) push(raw ProcessRaw)           { s.ch <- raw }

// waitHeld blocks until the merger has parked a start record for pid.
func waitHeld(t *testing.T, m *Merged, pid uint32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		_, ok := m.held[pid]
		m.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("record for pid %d was never held", pid)
}

func kernelStart(pid uint32, ts uint64) ProcessRaw {
	return ProcessRaw{PID: pid, Kind: KindStart, Comm: "tool",
		Argv: []string{"tool", "--full", "args"}, StartedAtNs: ts, Origin: OriginKernel}
}

func procStart(pid uint32, ts uint64) ProcessRaw {
	return ProcessRaw{PID: pid, Kind: KindStart, Comm: "tool",
		Argv: []string{"tool"}, StartedAtNs: ts, Origin: OriginProcfs}
}

func TestMerged_KernelRecordWinsInsideWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	kernel, poller := newStubProvider(), newStubProvider()
	m := NewMerged([]Provider{kernel, poller}, noopTestLogger(), clock, metrics.New())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	// Poller sees the process first; its record is held.
	poller.push(procStart(42, 1_000_000))
	waitHeld(t, m, 42)
	// Kernel reports the same process 200 µs later (inside the window).
	kernel.push(kernelStart(42, 1_200_000))

	got := collect(t, m.Events(), 1, 2*time.Second)
	if len(got) != 1 {
		t.Fatalf("got %d records, want exactly 1", len(got))
	}
	if got[0].Origin != OriginKernel {
		t.Error("kernel record must win inside the merge window")
	}
	if len(got[0].Argv) != 3 {
		t.Errorf("merged record must keep the kernel argv, got %v", got[0].Argv)
	}
	// The poller's reconstructed timestamp is adopted so the upid matches
	// whichever provider reported first.
	if got[0].StartedAtNs != 1_000_000 {
		t.Errorf("start ts = %d, want the held poller ts", got[0].StartedAtNs)
	}
}

func TestMerged_HeldPollerStartReleasedAfterWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	kernel, poller := newStubProvider(), newStubProvider()
	m := NewMerged([]Provider{kernel, poller}, noopTestLogger(), clock, metrics.New())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	poller.push(procStart(7, 500))

	// Nothing is forwarded while the hold window is open.
	if got := collect(t, m.Events(), 1, 100*time.Millisecond); len(got) != 0 {
		t.Fatalf("record forwarded before the window elapsed: %+v", got)
	}

	// Let the release ticker observe an elapsed window.
	clock.BlockUntilContext(context.Background(), 1)
	clock.Advance(kernelWinsWindow + 100*time.Millisecond)

	got := collect(t, m.Events(), 1, 2*time.Second)
	if len(got) != 1 {
		t.Fatalf("held record was never released")
	}
	if got[0].Origin != OriginProcfs {
		t.Error("released record must be the poller's")
	}
}

// A kernel record arriving after the poller record was already forwarded is
// recognised as a replay of the same lifetime and dropped.
func TestMerged_LateKernelDuplicateDropped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	kernel, poller := newStubProvider(), newStubProvider()
	m := NewMerged([]Provider{kernel, poller}, noopTestLogger(), clock, metrics.New())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	poller.push(procStart(9, 2_000_000))
	clock.BlockUntilContext(context.Background(), 1)
	clock.Advance(kernelWinsWindow + 100*time.Millisecond)

	first := collect(t, m.Events(), 1, 2*time.Second)
	if len(first) != 1 {
		t.Fatal("poller record was not released")
	}

	kernel.push(kernelStart(9, 2_100_000))
	if got := collect(t, m.Events(), 1, 200*time.Millisecond); len(got) != 0 {
		t.Errorf("late kernel replay must be dropped, got %+v", got)
	}
}

func TestMerged_FinishRecordsPassThrough(t *testing.T) {
	kernel := newStubProvider()
	m := NewMerged([]Provider{kernel}, noopTestLogger(), clockwork.NewFakeClock(), metrics.New())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	kernel.push(ProcessRaw{PID: 3, Kind: KindFinish, StartedAtNs: 9, Origin: OriginKernel})
	got := collect(t, m.Events(), 1, 2*time.Second)
	if len(got) != 1 || got[0].Kind != KindFinish {
		t.Fatalf("finish record not forwarded: %+v", got)
	}
}

// With only the poller configured there is no kernel stream to wait for, so
// starts pass through immediately.
func TestMerged_SingleProviderPassthrough(t *testing.T) {
	poller := newStubProvider()
	m := NewMerged([]Provider{poller}, noopTestLogger(), clockwork.NewFakeClock(), metrics.New())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	poller.push(procStart(11, 42))
	got := collect(t, m.Events(), 1, 2*time.Second)
	if len(got) != 1 {
		t.Fatal("poller-only start must pass through without holding")
	}
}

package router

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pipetrace/agent/internal/ingest"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

// recordingStore records the order of applied triggers.
type recordingStore struct {
	mu    sync.Mutex
	order []string // "start:<pid>" / "finish:<pid>"
}

func (s *recordingStore) ApplyStart(raw ingest.ProcessRaw) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, "start:"+itoa(raw.PID))
}

func (s *recordingStore) ApplyFinish(raw ingest.ProcessRaw) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, "finish:"+itoa(raw.PID))
}

func (s *recordingStore) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var b [10]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	return string(b[i:])
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never held")
}

// A batch containing both sides of a short-lived process must apply the
// start before the finish regardless of arrival order.
func TestRouter_StartsBeforeFinishesWithinBatch(t *testing.T) {
	src := make(chan ingest.ProcessRaw, 8)
	store := &recordingStore{}
	r := New(src, store, noopLogger(), clockwork.NewRealClock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	src <- ingest.ProcessRaw{PID: 1, Kind: ingest.KindFinish}
	src <- ingest.ProcessRaw{PID: 1, Kind: ingest.KindStart}

	waitFor(t, func() bool { return len(store.snapshot()) == 2 })
	got := store.snapshot()
	if got[0] != "start:1" || got[1] != "finish:1" {
		t.Errorf("order = %v, want start before finish", got)
	}

	cancel()
	<-done
}

func TestRouter_SizeTriggeredFlush(t *testing.T) {
	src := make(chan ingest.ProcessRaw, maxBatchSize+8)
	store := &recordingStore{}
	// A fake clock never fires the delay timer, so only the size bound can
	// flush.
	r := New(src, store, noopLogger(), clockwork.NewFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	for i := 0; i < maxBatchSize; i++ {
		src <- ingest.ProcessRaw{PID: uint32(i + 1), Kind: ingest.KindStart}
	}

	waitFor(t, func() bool { return len(store.snapshot()) == maxBatchSize })
	if r.Batches() != 1 {
		t.Errorf("batches = %d, want 1", r.Batches())
	}
}

func TestRouter_TimerTriggeredFlush(t *testing.T) {
	src := make(chan ingest.ProcessRaw, 8)
	store := &recordingStore{}
	r := New(src, store, noopLogger(), clockwork.NewRealClock())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	src <- ingest.ProcessRaw{PID: 5, Kind: ingest.KindStart}

	// Far fewer than maxBatchSize triggers: only the delay timer can flush.
	waitFor(t, func() bool { return len(store.snapshot()) == 1 })
}

// Cancellation drains records that providers already delivered before
// returning.
func TestRouter_DrainsOnCancel(t *testing.T) {
	src := make(chan ingest.ProcessRaw, 8)
	store := &recordingStore{}
	r := New(src, store, noopLogger(), clockwork.NewFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	// Deliver while the router may be mid-select, then cancel immediately.
	src <- ingest.ProcessRaw{PID: 2, Kind: ingest.KindStart}
	src <- ingest.ProcessRaw{PID: 2, Kind: ingest.KindFinish}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	got := store.snapshot()
	if len(got) != 2 {
		t.Fatalf("drained %d records, want 2: %v", len(got), got)
	}
}

func TestRouter_SourceCloseEndsRun(t *testing.T) {
	src := make(chan ingest.ProcessRaw, 1)
	store := &recordingStore{}
	r := New(src, store, noopLogger(), clockwork.NewFakeClock())

	src <- ingest.ProcessRaw{PID: 9, Kind: ingest.KindStart}
	close(src)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v on clean close", err)
	}
	if got := store.snapshot(); len(got) != 1 {
		t.Errorf("final batch not flushed: %v", got)
	}
}

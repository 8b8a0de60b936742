package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// scriptedLister returns a fixed sequence of snapshots, repeating the last
// one when the script is exhausted.
type scriptedLister struct {
	snaps []map[uint32]procInfo
	idx   int
}

func (s *scriptedLister) Snapshot() (map[uint32]procInfo, error) {
	snap := s.snaps[s.idx]
	if s.idx < len(s.snaps)-1 {
		s.idx++
	}
	return snap, nil
}

func collect(t *testing.T, ch <-chan ProcessRaw, n int, timeout time.Duration) []ProcessRaw {
	t.Helper()
	var out []ProcessRaw
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case raw, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, raw)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestProcPoller_EmitsStartForNewPID(t *testing.T) {
	clock := clockwork.NewFakeClock()
	lister := &scriptedLister{snaps: []map[uint32]procInfo{
		{1: {ppid: 0, comm: "init"}},
		{
			1:  {ppid: 0, comm: "init"},
			42: {ppid: 1, comm: "bwa", exe: "/usr/bin/bwa", argv: []string{"bwa", "mem"}, startNs: 100},
		},
	}}
	p := newProcPoller(lister, 25*time.Millisecond, noopTestLogger(), clock)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	clock.BlockUntilContext(context.Background(), 1)
	clock.Advance(25 * time.Millisecond)

	got := collect(t, p.Events(), 1, 2*time.Second)
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	raw := got[0]
	if raw.Kind != KindStart || raw.PID != 42 || raw.PPID != 1 {
		t.Errorf("unexpected record: %+v", raw)
	}
	if raw.StartedAtNs != 100 {
		t.Errorf("start ts = %d, want 100", raw.StartedAtNs)
	}
	if raw.Origin != OriginProcfs {
		t.Error("poller records must carry the procfs origin")
	}
}

func TestProcPoller_EmitsFinishForVanishedPID(t *testing.T) {
	clock := clockwork.NewFakeClock()
	lister := &scriptedLister{snaps: []map[uint32]procInfo{
		{42: {ppid: 1, comm: "bwa", startNs: 100}},
		{},
	}}
	p := newProcPoller(lister, 25*time.Millisecond, noopTestLogger(), clock)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	clock.BlockUntilContext(context.Background(), 1)
	clock.Advance(25 * time.Millisecond)

	got := collect(t, p.Events(), 1, 2*time.Second)
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	if got[0].Kind != KindFinish || got[0].PID != 42 {
		t.Errorf("unexpected record: %+v", got[0])
	}
}

// Processes already running at startup form the baseline; no Start records
// are synthesised for them.
func TestProcPoller_BaselineNotReported(t *testing.T) {
	clock := clockwork.NewFakeClock()
	lister := &scriptedLister{snaps: []map[uint32]procInfo{
		{1: {comm: "init"}, 2: {comm: "kthreadd"}},
	}}
	p := newProcPoller(lister, 25*time.Millisecond, noopTestLogger(), clock)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	clock.BlockUntilContext(context.Background(), 1)
	clock.Advance(25 * time.Millisecond)

	if got := collect(t, p.Events(), 1, 200*time.Millisecond); len(got) != 0 {
		t.Errorf("baseline pids must not produce records, got %+v", got)
	}
}

func TestProcPoller_StopIsIdempotent(t *testing.T) {
	lister := &scriptedLister{snaps: []map[uint32]procInfo{{}}}
	p := newProcPoller(lister, 25*time.Millisecond, noopTestLogger(), clockwork.NewFakeClock())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Stop()
	p.Stop() // must not panic

	if _, ok := <-p.Events(); ok {
		t.Error("events channel must be closed after Stop")
	}
}

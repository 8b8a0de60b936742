package emit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pipetrace/agent/internal/event"
)

func chainEvents(ids ...uint64) []event.Event {
	out := make([]event.Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, event.Event{EventID: id, Kind: event.KindProcessStart, UPID: "u", TsNs: id})
	}
	return out
}

func TestChainLog_AppendAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.chain")

	s, err := NewChainLogSink(path)
	if err != nil {
		t.Fatalf("NewChainLogSink: %v", err)
	}
	if err := s.Submit(context.Background(), chainEvents(1, 2, 3)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events, err := VerifyChainLog(path)
	if err != nil {
		t.Fatalf("VerifyChainLog: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("verified %d events, want 3", len(events))
	}
	for i, e := range events {
		if e.EventID != uint64(i+1) {
			t.Errorf("event[%d].EventID = %d", i, e.EventID)
		}
	}
}

func TestChainLog_ContinuesAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.chain")

	s, err := NewChainLogSink(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Submit(context.Background(), chainEvents(1))
	_ = s.Close()

	s2, err := NewChainLogSink(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = s2.Submit(context.Background(), chainEvents(2))
	_ = s2.Close()

	events, err := VerifyChainLog(path)
	if err != nil {
		t.Fatalf("VerifyChainLog after reopen: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("verified %d events, want 2", len(events))
	}
}

func TestChainLog_TamperDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.chain")

	s, err := NewChainLogSink(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Submit(context.Background(), chainEvents(1, 2))
	_ = s.Close()

	// Flip a pid inside the first record.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := splitLines(data)
	var rec chainRecord
	if err := json.Unmarshal(lines[0], &rec); err != nil {
		t.Fatal(err)
	}
	rec.Event.PID = 9999
	tampered, _ := json.Marshal(rec)
	lines[0] = tampered
	if err := os.WriteFile(path, joinLines(lines), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := VerifyChainLog(path); err == nil {
		t.Error("tampered log must fail verification")
	}
	// Reopening for append must also refuse the broken chain.
	if _, err := NewChainLogSink(path); err == nil {
		t.Error("reopen must refuse a broken chain")
	}
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, append([]byte(nil), data[start:i]...))
			start = i + 1
		}
	}
	return lines
}

func joinLines(lines [][]byte) []byte {
	var out []byte
	for _, l := range lines {
		out = append(out, l...)
		out = append(out, '\n')
	}
	return out
}

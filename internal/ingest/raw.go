// Package ingest implements the event source of the pipetrace agent: a
// kernel tracepoint bridge that drains exec/exit records from a BPF ring
// buffer, a periodic /proc poller that diffs pid snapshots, and a merger
// that reconciles the two streams before they reach the trigger router.
package ingest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Kind of a raw process record.
type Kind int

const (
	KindStart Kind = iota
	KindFinish
)

func (k Kind) String() string {
	if k == KindFinish {
		return "finish"
	}
	return "start"
}

// Origin names the provider that produced a record. The kernel bridge
// produces richer records (full argv captured at exec time); the poller's
// records are reconstructed from /proc and win only when the kernel is
// silent.
type Origin int

const (
	OriginKernel Origin = iota
	OriginProcfs
)

// ProcessRaw is one normalized ingress record. It is constructed by a
// provider and consumed exactly once by the trigger router.
type ProcessRaw struct {
	PID         uint32
	PPID        uint32
	Kind        Kind
	Comm        string
	FileName    string
	Argv        []string
	StartedAtNs uint64
	Origin      Origin
}

// Cmdline returns the space-joined argv.
func (r *ProcessRaw) Cmdline() string {
	return strings.Join(r.Argv, " ")
}

// ─── Kernel wire contract ────────────────────────────────────────────────────
//
// The byte layout below is shared with the kernel-side tracepoint program and
// MUST match it bit-exactly. Records are native-endian (little-endian per the
// eBPF ABI) and fixed-size; strings are NUL-terminated within their fields.

const (
	// CommLen mirrors the kernel TASK_COMM_LEN.
	CommLen = 16
	// FileNameLen bounds the execve filename captured by the probe.
	FileNameLen = 128
	// MaxArgs and MaxArgLen bound the captured argument vector.
	MaxArgs   = 8
	MaxArgLen = 64
)

// wireEventSize is the exact on-wire size of one kernel record:
// pid(4) + ppid(4) + event_type(4) + comm + file_name + argv + argc(8) + ts(8).
const wireEventSize = 4 + 4 + 4 + CommLen + FileNameLen + MaxArgs*MaxArgLen + 8 + 8

// wireEvent mirrors the kernel struct event. Field order and sizes are the
// contract; do not reorder.
type wireEvent struct {
	PID       int32
	PPID      int32
	EventType int32
	Comm      [CommLen]byte
	FileName  [FileNameLen]byte
	Argv      [MaxArgs][MaxArgLen]byte
	Argc      uint64
	TsNs      uint64
}

// event_type encoding shared with the kernel program.
const (
	wireEventStart  = 0
	wireEventFinish = 1
)

// ErrWireSize reports a ring-buffer sample whose length does not match the
// contract. Such samples are counted and skipped, never fatal.
var ErrWireSize = errors.New("ingest: sample size mismatch")

// DecodeRaw reinterprets one ring-buffer sample as a ProcessRaw. It returns
// ErrWireSize when the sample length differs from the fixed layout, and a
// decode error when the event_type is outside the contract.
func DecodeRaw(sample []byte) (ProcessRaw, error) {
	if len(sample) != wireEventSize {
		return ProcessRaw{}, fmt.Errorf("%w: got %d, want %d", ErrWireSize, len(sample), wireEventSize)
	}

	var we wireEvent
	if err := binary.Read(bytes.NewReader(sample), binary.LittleEndian, &we); err != nil {
		return ProcessRaw{}, fmt.Errorf("ingest: decode sample: %w", err)
	}

	var kind Kind
	switch we.EventType {
	case wireEventStart:
		kind = KindStart
	case wireEventFinish:
		kind = KindFinish
	default:
		return ProcessRaw{}, fmt.Errorf("ingest: unknown event_type %d", we.EventType)
	}

	argc := int(we.Argc)
	if argc > MaxArgs {
		argc = MaxArgs
	}
	argv := make([]string, 0, argc)
	for i := 0; i < argc; i++ {
		argv = append(argv, nullTerminated(we.Argv[i][:]))
	}

	return ProcessRaw{
		PID:         uint32(we.PID),
		PPID:        uint32(we.PPID),
		Kind:        kind,
		Comm:        nullTerminated(we.Comm[:]),
		FileName:    nullTerminated(we.FileName[:]),
		Argv:        argv,
		StartedAtNs: we.TsNs,
		Origin:      OriginKernel,
	}, nil
}

// nullTerminated returns the string content of buf up to and excluding the
// first NUL byte. A field with no NUL (kernel-side truncation) is taken
// whole.
func nullTerminated(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return string(buf[:i])
	}
	return string(buf)
}

// Package event defines the egress event model of the pipetrace agent: the
// records handed to sinks, the universal process id (upid) that correlates
// them, and the AgentContext carrying the process-wide identifiers every
// component stamps onto its output.
package event

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/twmb/murmur3"
)

// Kind discriminates the event union.
type Kind string

const (
	KindProcessStart   Kind = "process_start"
	KindProcessFinish  Kind = "process_finish"
	KindTaskStart      Kind = "task_start"
	KindTaskFinish     Kind = "task_finish"
	KindDataSample     Kind = "data_sample"
	KindFileSizeStable Kind = "file_size_stable"
)

// Event is one egress record. The header fields (EventID, TsNs, PID, PPID,
// UPID) are populated on every kind; the remaining fields are kind-specific
// and omitted from the JSON encoding when empty.
//
// EventID is assigned by the emitter and is strictly monotonically increasing
// across all events of one agent instance.
type Event struct {
	EventID uint64 `json:"event_id"`
	Kind    Kind   `json:"kind"`
	TsNs    uint64 `json:"ts_ns"`
	PID     uint32 `json:"pid"`
	PPID    uint32 `json:"ppid"`
	UPID    string `json:"upid"`

	// ProcessStart / ProcessFinish.
	DisplayName string   `json:"display_name,omitempty"`
	Comm        string   `json:"comm,omitempty"`
	Cmdline     string   `json:"cmdline,omitempty"`
	Argv        []string `json:"argv,omitempty"`
	ExitCode    *int32   `json:"exit_code,omitempty"`

	// TaskStart / TaskFinish.
	JobID      string `json:"job_id,omitempty"`
	PipelineID string `json:"pipeline_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`

	// DataSample.
	SamplePath string `json:"sample_path,omitempty"`

	// FileSizeStable.
	FilePath string `json:"file_path,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	FileMod  int64  `json:"file_mtime_ns,omitempty"`
}

// UPID computes the universal process id for a process observed on this boot:
// a murmur3 128-bit hash of (boot_id, pid, start_ts_ns), hex-encoded. It is
// stable across the agent run even when the kernel reuses pid values, and
// identical whether the process was first seen by the kernel bridge or by the
// /proc poller (both report the same start timestamp after dedup).
func UPID(bootID string, pid uint32, startTsNs uint64) string {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], pid)
	binary.LittleEndian.PutUint64(buf[4:12], startTsNs)

	h1, h2 := murmur3.StringSum128(bootID + string(buf[:]))
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// AgentContext carries the process-wide constants and counters shared by all
// components: the boot id used in upid derivation, the monotonically
// increasing event id counter, the run identity chosen at `init` time, and an
// injectable clock. Components receive it at construction rather than
// reaching for globals.
type AgentContext struct {
	BootID       string
	RunID        string
	PipelineName string
	Environment  string
	UserOperator string
	PipelineType string

	Clock clockwork.Clock

	eventID atomic.Uint64
}

// NewAgentContext reads the kernel boot id and returns a context ready for
// use. When /proc/sys/kernel/random/boot_id is unreadable (non-Linux hosts,
// locked-down containers) a random UUID is substituted; upids then remain
// unique within the agent run but are not comparable across agents on the
// same host.
func NewAgentContext(clock clockwork.Clock) *AgentContext {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AgentContext{
		BootID: readBootID(),
		Clock:  clock,
	}
}

// NextEventID returns the next event id. IDs start at 1 and never repeat
// within one agent instance.
func (c *AgentContext) NextEventID() uint64 {
	return c.eventID.Add(1)
}

// LastEventID returns the most recently assigned event id, or 0 when none
// has been assigned yet. Used by the info endpoint.
func (c *AgentContext) LastEventID() uint64 {
	return c.eventID.Load()
}

// NowNs returns the current wall-clock time from the injected clock as
// nanoseconds since the epoch.
func (c *AgentContext) NowNs() uint64 {
	return uint64(c.Clock.Now().UnixNano())
}

// UPID derives the universal process id under this context's boot id.
func (c *AgentContext) UPID(pid uint32, startTsNs uint64) string {
	return UPID(c.BootID, pid, startTsNs)
}

const bootIDPath = "/proc/sys/kernel/random/boot_id"

func readBootID() string {
	b, err := os.ReadFile(bootIDPath)
	if err != nil {
		return uuid.NewString()
	}
	return strings.TrimSpace(string(b))
}

// Timestamp converts a nanosecond timestamp to time.Time, for sinks that
// store wall-clock columns.
func Timestamp(tsNs uint64) time.Time {
	return time.Unix(0, int64(tsNs)).UTC()
}

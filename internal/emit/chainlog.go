package emit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/pipetrace/agent/internal/event"
)

// ChainLogSink is the default local sink: an append-only NDJSON file whose
// records are SHA-256 hash-chained. Each line carries the event, the
// previous record's hash, and the hash of its own content, so a run's event
// log can be verified offline for gaps or tampering.
//
// The file is opened with O_APPEND so every record is one atomic write; a
// mutex serialises Submit calls to keep the chain consistent.
type ChainLogSink struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
}

// chainGenesis is the prev_hash of the first record in a file.
const chainGenesis = "0000000000000000000000000000000000000000000000000000000000000000"

// chainRecord is the wire format of one log line.
type chainRecord struct {
	Event     event.Event `json:"event"`
	PrevHash  string      `json:"prev_hash"`
	ChainHash string      `json:"chain_hash"`
}

// chainContent is the hashed subset of chainRecord: everything except the
// record's own hash.
type chainContent struct {
	Event    event.Event `json:"event"`
	PrevHash string      `json:"prev_hash"`
}

// NewChainLogSink opens (or creates) the chain log at path. An existing file
// is scanned so the chain continues from its last record; a broken chain is
// an error, not silently re-anchored.
func NewChainLogSink(path string) (*ChainLogSink, error) {
	prevHash := chainGenesis

	if _, err := os.Stat(path); err == nil {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("emit: open chain log %q: %w", path, err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			if len(scanner.Bytes()) == 0 {
				continue
			}
			var rec chainRecord
			if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
				f.Close()
				return nil, fmt.Errorf("emit: chain log line %d malformed: %w", line, err)
			}
			if rec.PrevHash != prevHash {
				f.Close()
				return nil, fmt.Errorf("emit: chain break at line %d", line)
			}
			if got := hashChainContent(chainContent{Event: rec.Event, PrevHash: rec.PrevHash}); got != rec.ChainHash {
				f.Close()
				return nil, fmt.Errorf("emit: chain hash mismatch at line %d", line)
			}
			prevHash = rec.ChainHash
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("emit: scan chain log %q: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("emit: open chain log for append %q: %w", path, err)
	}
	return &ChainLogSink{file: f, prevHash: prevHash}, nil
}

// Submit appends one chained line per event. Local write failures are fatal
// for the batch (there is no transient local-disk failure worth retrying).
func (s *ChainLogSink) Submit(_ context.Context, batch []event.Event) error {
	return s.append(batch)
}

func (s *ChainLogSink) append(batch []event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range batch {
		content := chainContent{Event: batch[i], PrevHash: s.prevHash}
		rec := chainRecord{
			Event:     batch[i],
			PrevHash:  s.prevHash,
			ChainHash: hashChainContent(content),
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("emit: marshal chain record: %w", err)
		}
		line = append(line, '\n')
		if _, err := s.file.Write(line); err != nil {
			return fmt.Errorf("emit: write chain record: %w", err)
		}
		s.prevHash = rec.ChainHash
	}
	return nil
}

// Close syncs and closes the log file.
func (s *ChainLogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("emit: sync chain log: %w", err)
	}
	return s.file.Close()
}

// VerifyChainLog re-reads the chain log at path and returns the events in
// order, or the first chain error encountered. An empty file verifies to an
// empty slice.
func VerifyChainLog(path string) ([]event.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("emit: verify chain log %q: %w", path, err)
	}
	defer f.Close()

	var events []event.Event
	prevHash := chainGenesis
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec chainRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("emit: chain log line %d malformed: %w", line, err)
		}
		if rec.PrevHash != prevHash {
			return nil, fmt.Errorf("emit: chain break at line %d", line)
		}
		if got := hashChainContent(chainContent{Event: rec.Event, PrevHash: rec.PrevHash}); got != rec.ChainHash {
			return nil, fmt.Errorf("emit: chain hash mismatch at line %d", line)
		}
		events = append(events, rec.Event)
		prevHash = rec.ChainHash
	}
	return events, scanner.Err()
}

// hashChainContent computes the SHA-256 hex digest of the JSON-encoded
// content. Marshal failure is unreachable for well-formed events.
func hashChainContent(c chainContent) string {
	raw, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("emit: marshal chain content: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Package journal implements the durable, single-writer, hash-chained,
// append-only event log, plus the pure chunk-parsing and chain-folding
// primitives replicas use to replay it. The fold is independent of any
// transport: it works on raw bytes addressed by offset.
package journal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fleetward/hub/pkg/canonicalize"
)

// GenesisHash seeds the chain before any event exists.
const GenesisHash = "genesis"

// Event is one immutable journal record. Offset is the byte position
// where the record starts in the journal stream.
type Event struct {
	Offset    int64          `json:"offset"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// Status describes the writer's journal head.
type Status struct {
	SizeBytes   int64     `json:"journal_size_bytes"`
	LastHash    string    `json:"last_hash"`
	LastEventTS time.Time `json:"last_event_ts"`
	TotalEvents int64     `json:"total_events"`
}

// Appender is the narrow interface components use to emit events.
type Appender interface {
	Append(eventType string, payload map[string]any) (Event, error)
}

// ErrReadOnly is returned when an append is attempted against a journal
// opened in read-only (replica) mode.
var ErrReadOnly = errors.New("journal: read-only")

// computeHash folds one record into the chain:
// H(prev_hash, type, payload, timestamp) over the canonical form.
func computeHash(prevHash, eventType string, payload map[string]any, ts time.Time) (string, error) {
	return canonicalize.Fingerprint(map[string]any{
		"prev":    prevHash,
		"type":    eventType,
		"payload": payload,
		"ts":      ts.UTC().Format(time.RFC3339Nano),
	})
}

// marshalLine encodes one record as a newline-terminated JSON line.
func marshalLine(ev Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("journal: marshal record: %w", err)
	}
	return append(b, '\n'), nil
}

// ParseChunk splits a byte range into complete events plus any trailing
// partial record. A chunk served by ReadRange never has a partial tail;
// a chunk assembled by a replica mid-sync may.
func ParseChunk(chunk []byte) ([]Event, []byte, error) {
	var events []Event
	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			partial := make([]byte, len(chunk))
			copy(partial, chunk)
			return events, partial, nil
		}
		line := chunk[:idx]
		chunk = chunk[idx+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return events, nil, fmt.Errorf("journal: malformed record: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil, nil
}

// VerifyChain checks that events extend the chain whose head is prevHash:
// each record's prev_hash must equal its predecessor's hash, and each
// stored hash must match a fresh recomputation. Returns the new head.
func VerifyChain(events []Event, prevHash string) (string, error) {
	for _, ev := range events {
		if ev.PrevHash != prevHash {
			return prevHash, fmt.Errorf("journal: chain broken at offset %d: expected prev %s, got %s",
				ev.Offset, prevHash, ev.PrevHash)
		}
		computed, err := computeHash(ev.PrevHash, ev.Type, ev.Payload, ev.Timestamp)
		if err != nil {
			return prevHash, err
		}
		if computed != ev.Hash {
			return prevHash, fmt.Errorf("journal: hash mismatch at offset %d", ev.Offset)
		}
		prevHash = ev.Hash
	}
	return prevHash, nil
}

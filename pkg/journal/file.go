package journal

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultMaxChunkBytes bounds a single range read.
const DefaultMaxChunkBytes = 256 << 10

// FileJournal is the writer-owned durable journal: newline-delimited
// JSON records in a single file, appended under one mutex. Only the
// writer role ever holds a non-read-only FileJournal.
type FileJournal struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	readOnly bool
	clock    func() time.Time

	size     int64
	lastHash string
	lastTS   time.Time
	count    int64
}

// Open opens (creating if needed) the journal at path and replays the
// existing records to restore the chain head. A trailing partial record
// left by a crash mid-write is truncated away.
func Open(path string) (*FileJournal, error) {
	return open(path, false)
}

// OpenReadOnly opens the journal for range reads only. Append returns
// ErrReadOnly; this is the hard guard against a replica misconfigured
// into writer code paths.
func OpenReadOnly(path string) (*FileJournal, error) {
	return open(path, true)
}

func open(path string, readOnly bool) (*FileJournal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("journal: create dir: %w", err)
		}
	}
	flags := os.O_CREATE | os.O_RDWR
	if readOnly {
		flags = os.O_CREATE | os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	j := &FileJournal{
		path:     path,
		file:     f,
		readOnly: readOnly,
		clock:    time.Now,
		lastHash: GenesisHash,
	}
	if err := j.replay(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return j, nil
}

// WithClock overrides the clock for testing.
func (j *FileJournal) WithClock(clock func() time.Time) *FileJournal {
	j.clock = clock
	return j
}

// replay scans the whole file to restore size, head hash, and count.
func (j *FileJournal) replay() error {
	raw, err := os.ReadFile(j.path)
	if err != nil {
		return fmt.Errorf("journal: replay read: %w", err)
	}

	events, partial, err := ParseChunk(raw)
	if err != nil {
		return fmt.Errorf("journal: replay: %w", err)
	}

	head, err := VerifyChain(events, GenesisHash)
	if err != nil {
		return fmt.Errorf("journal: replay: %w", err)
	}

	complete := int64(len(raw) - len(partial))
	if len(partial) > 0 {
		if j.readOnly {
			// A reader cannot repair the file; serve the complete prefix.
			slog.Warn("journal has partial tail, serving complete prefix",
				"path", j.path, "partial_bytes", len(partial))
		} else {
			slog.Warn("truncating partial record left by interrupted write",
				"path", j.path, "partial_bytes", len(partial))
			if err := j.file.Truncate(complete); err != nil {
				return fmt.Errorf("journal: truncate partial tail: %w", err)
			}
		}
	}

	j.size = complete
	j.lastHash = head
	j.count = int64(len(events))
	if n := len(events); n > 0 {
		j.lastTS = events[n-1].Timestamp
	}
	return nil
}

// Append writes one event, extending the hash chain, and returns it.
func (j *FileJournal) Append(eventType string, payload map[string]any) (Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.readOnly {
		return Event{}, ErrReadOnly
	}

	ts := j.clock().UTC()
	hash, err := computeHash(j.lastHash, eventType, payload, ts)
	if err != nil {
		return Event{}, err
	}

	ev := Event{
		Offset:    j.size,
		Type:      eventType,
		Payload:   payload,
		Timestamp: ts,
		PrevHash:  j.lastHash,
		Hash:      hash,
	}
	line, err := marshalLine(ev)
	if err != nil {
		return Event{}, err
	}

	if _, err := j.file.WriteAt(line, j.size); err != nil {
		return Event{}, fmt.Errorf("journal: append: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return Event{}, fmt.Errorf("journal: fsync: %w", err)
	}

	j.size += int64(len(line))
	j.lastHash = hash
	j.lastTS = ts
	j.count++
	return ev, nil
}

// ReadRange returns up to maxBytes of raw journal starting at offset,
// truncated to the last complete record so the chunk always parses
// standalone. It also reports the next offset and the hash/timestamp of
// the last complete record in the chunk.
func (j *FileJournal) ReadRange(offset int64, maxBytes int) ([]byte, int64, string, time.Time, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxChunkBytes
	}

	j.mu.Lock()
	size := j.size
	j.mu.Unlock()

	if offset < 0 {
		return nil, offset, "", time.Time{}, fmt.Errorf("journal: negative offset %d", offset)
	}
	if offset >= size {
		return nil, offset, "", time.Time{}, nil
	}

	buf := make([]byte, maxBytes)
	n, err := j.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, offset, "", time.Time{}, fmt.Errorf("journal: range read: %w", err)
	}
	buf = buf[:n]

	// Drop anything past the tracked size: bytes beyond it belong to a
	// record still being written.
	if offset+int64(n) > size {
		buf = buf[:size-offset]
	}

	events, partial, err := ParseChunk(buf)
	if err != nil {
		return nil, offset, "", time.Time{}, err
	}
	chunk := buf[:len(buf)-len(partial)]
	if len(events) == 0 {
		return nil, offset, "", time.Time{}, nil
	}
	last := events[len(events)-1]
	return chunk, offset + int64(len(chunk)), last.Hash, last.Timestamp, nil
}

// Status reports the journal head.
func (j *FileJournal) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Status{
		SizeBytes:   j.size,
		LastHash:    j.lastHash,
		LastEventTS: j.lastTS,
		TotalEvents: j.count,
	}
}

// Snapshot returns the full raw journal contents, used by the archiver.
func (j *FileJournal) Snapshot() ([]byte, error) {
	j.mu.Lock()
	size := j.size
	j.mu.Unlock()

	buf := make([]byte, size)
	if _, err := j.file.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("journal: snapshot: %w", err)
	}
	return buf, nil
}

// Close closes the underlying file.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

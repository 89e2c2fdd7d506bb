package journal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testClock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestAppendExtendsChain(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.ndjson"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	j.WithClock(testClock())

	ev1, err := j.Append("node.heartbeat", map[string]any{"node_id": "n1"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ev1.PrevHash != GenesisHash {
		t.Fatalf("first event prev = %q, want genesis", ev1.PrevHash)
	}
	if ev1.Offset != 0 {
		t.Fatalf("first event offset = %d, want 0", ev1.Offset)
	}

	ev2, err := j.Append("node.heartbeat", map[string]any{"node_id": "n2"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ev2.PrevHash != ev1.Hash {
		t.Fatalf("second event prev = %q, want %q", ev2.PrevHash, ev1.Hash)
	}

	st := j.Status()
	if st.TotalEvents != 2 || st.LastHash != ev2.Hash {
		t.Fatalf("status = %+v", st)
	}
}

func TestReopenRestoresHead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.ndjson")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	j.WithClock(testClock())
	var last Event
	for i := 0; i < 5; i++ {
		last, err = j.Append("request.accepted", map[string]any{"job_id": "j1"})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	st := j2.Status()
	if st.LastHash != last.Hash {
		t.Fatalf("reopened head = %q, want %q", st.LastHash, last.Hash)
	}
	if st.TotalEvents != 5 {
		t.Fatalf("reopened count = %d, want 5", st.TotalEvents)
	}

	// The restored chain accepts further appends.
	ev, err := j2.Append("request.accepted", map[string]any{"job_id": "j2"})
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if ev.PrevHash != last.Hash {
		t.Fatalf("append after reopen prev = %q, want %q", ev.PrevHash, last.Hash)
	}
}

func TestReopenTruncatesPartialTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.ndjson")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	j.WithClock(testClock())
	last, err := j.Append("node.heartbeat", map[string]any{"node_id": "n1"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	j.Close()

	// Simulate a crash mid-write: garbage with no trailing newline.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := f.WriteString(`{"offset":999,"type":"trunc`); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	f.Close()

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen with partial tail: %v", err)
	}
	defer j2.Close()

	st := j2.Status()
	if st.TotalEvents != 1 || st.LastHash != last.Hash {
		t.Fatalf("status after truncation = %+v", st)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !bytes.HasSuffix(raw, []byte("\n")) {
		t.Fatalf("file should end at a record boundary, got %q", raw[len(raw)-10:])
	}
}

func TestReadOnlyRejectsAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.ndjson")
	j, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer j.Close()

	if _, err := j.Append("node.heartbeat", nil); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("append on read-only journal = %v, want ErrReadOnly", err)
	}
}

func TestReadRange(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.ndjson"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	j.WithClock(testClock())

	var appended []Event
	for i := 0; i < 4; i++ {
		ev, err := j.Append("request.accepted", map[string]any{"seq": float64(i)})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		appended = append(appended, ev)
	}

	chunk, next, lastHash, _, err := j.ReadRange(0, 0)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	events, partial, err := ParseChunk(chunk)
	if err != nil {
		t.Fatalf("parse chunk: %v", err)
	}
	if len(partial) != 0 {
		t.Fatalf("served chunk has partial tail: %q", partial)
	}
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	if next != j.Status().SizeBytes {
		t.Fatalf("next = %d, want %d", next, j.Status().SizeBytes)
	}
	if lastHash != appended[3].Hash {
		t.Fatalf("last hash = %q, want %q", lastHash, appended[3].Hash)
	}

	// Reading at the head returns an empty chunk with the same offset.
	chunk, next2, _, _, err := j.ReadRange(next, 0)
	if err != nil {
		t.Fatalf("read at head: %v", err)
	}
	if len(chunk) != 0 || next2 != next {
		t.Fatalf("read at head = %d bytes, next %d", len(chunk), next2)
	}

	// A tight byte budget still ends on a record boundary.
	firstLen := int(appended[1].Offset)
	chunk, next3, _, _, err := j.ReadRange(0, firstLen+3)
	if err != nil {
		t.Fatalf("bounded read: %v", err)
	}
	if int64(len(chunk)) != appended[1].Offset {
		t.Fatalf("bounded chunk = %d bytes, want %d", len(chunk), appended[1].Offset)
	}
	if next3 != appended[1].Offset {
		t.Fatalf("bounded next = %d, want %d", next3, appended[1].Offset)
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.ndjson"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	j.WithClock(testClock())

	for i := 0; i < 3; i++ {
		if _, err := j.Append("node.heartbeat", map[string]any{"seq": float64(i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	chunk, _, _, _, err := j.ReadRange(0, 0)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	events, _, err := ParseChunk(chunk)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if _, err := VerifyChain(events, GenesisHash); err != nil {
		t.Fatalf("untampered chain rejected: %v", err)
	}

	// Payload edited after the fact: stored hash no longer matches.
	tampered := make([]Event, len(events))
	copy(tampered, events)
	tampered[1].Payload = map[string]any{"seq": float64(99)}
	if _, err := VerifyChain(tampered, GenesisHash); err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("tampered payload = %v, want hash mismatch", err)
	}

	// Chain spliced: a record claiming the wrong predecessor.
	copy(tampered, events)
	tampered[2].PrevHash = "bogus"
	if _, err := VerifyChain(tampered[2:], tampered[1].Hash); err == nil || !strings.Contains(err.Error(), "chain broken") {
		t.Fatalf("spliced chain = %v, want chain broken", err)
	}

	// Wrong starting head.
	if _, err := VerifyChain(events, "not-genesis"); err == nil {
		t.Fatal("wrong head accepted")
	}
}

func TestParseChunkPartialTail(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.ndjson"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	j.WithClock(testClock())

	for i := 0; i < 2; i++ {
		if _, err := j.Append("node.heartbeat", map[string]any{"seq": float64(i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	raw, err := j.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	cut := len(raw) - 7
	events, partial, err := ParseChunk(raw[:cut])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d complete events, want 1", len(events))
	}
	if len(partial) == 0 {
		t.Fatal("expected a partial tail")
	}

	// The tail plus the remainder parses to the missing record.
	rest := append(append([]byte{}, partial...), raw[cut:]...)
	events2, partial2, err := ParseChunk(rest)
	if err != nil {
		t.Fatalf("parse remainder: %v", err)
	}
	if len(events2) != 1 || len(partial2) != 0 {
		t.Fatalf("remainder = %d events, %d partial bytes", len(events2), len(partial2))
	}
}

package replica

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fleetward/hub/pkg/journal"
)

// MaxPartialTailBytes caps the buffered partial record. A tail that
// grows past this without completing means the stream is not actually
// record-framed; the buffer is discarded and sync restarts from the last
// known-good offset.
const MaxPartialTailBytes = 1 << 20

// DefaultFetchTimeout bounds each writer fetch. Expiry means "writer
// unreachable", never a hang.
const DefaultFetchTimeout = 10 * time.Second

// ErrHalted is returned once chain corruption has been detected; the
// loop stays down until an operator reconciles the journals.
var ErrHalted = errors.New("replica: sync halted, manual reconciliation required")

// Applier replays journal events into one derived projection.
type Applier interface {
	ApplyEvent(ev journal.Event) error
}

// Metrics is the observability hook; the provider satisfies it.
type Metrics interface {
	EventsSynced(ctx context.Context, n int64)
	SyncLag(ctx context.Context, bytes int64)
}

// Status is the replica's externally visible sync state.
type Status struct {
	Checkpoint Checkpoint `json:"checkpoint"`
	Halted     bool       `json:"halted"`
	HaltReason string     `json:"halt_reason,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	LagBytes   int64      `json:"lag_bytes"`
}

// Config for a Syncer.
type Config struct {
	WriterAddress  string
	CheckpointPath string
	Token          string // credential presented to the writer
	Interval       time.Duration
	FetchTimeout   time.Duration
}

// Syncer pulls journal ranges and replays them. It never blocks request
// handling: the loop runs on its own ticker and suspends only on its own
// network fetch.
type Syncer struct {
	cfg      Config
	client   *http.Client
	appliers []Applier
	metrics  Metrics
	clock    func() time.Time

	mu         sync.Mutex
	cp         Checkpoint
	partial    []byte
	writerSize int64
	halted     bool
	haltReason string
	lastErr    string
}

// NewSyncer loads (or initializes) the checkpoint and returns a syncer.
// A checkpoint recorded against a different writer address is discarded:
// offsets are only meaningful within one journal.
func NewSyncer(cfg Config, appliers []Applier, metrics Metrics) (*Syncer, error) {
	if cfg.WriterAddress == "" {
		return nil, errors.New("replica: writer address required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}

	cp, err := loadCheckpoint(cfg.CheckpointPath)
	if err != nil {
		return nil, err
	}
	if cp.WriterAddress != "" && cp.WriterAddress != cfg.WriterAddress {
		slog.Warn("checkpoint belongs to a different writer, starting from zero",
			"checkpoint_writer", cp.WriterAddress, "writer", cfg.WriterAddress)
		cp = Checkpoint{}
	}
	cp.WriterAddress = cfg.WriterAddress
	if cp.LastHash == "" {
		cp.LastHash = journal.GenesisHash
	}

	return &Syncer{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.FetchTimeout},
		appliers: appliers,
		metrics:  metrics,
		clock:    time.Now,
		cp:       cp,
	}, nil
}

// WithClock overrides the clock for testing.
func (s *Syncer) WithClock(clock func() time.Time) *Syncer {
	s.clock = clock
	return s
}

// Run ticks the sync loop until ctx is done.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil && !errors.Is(err, ErrHalted) {
				slog.Warn("sync tick failed", "error", err)
			}
		}
	}
}

// Sync performs one tick: fetch from the checkpoint offset (plus any
// buffered partial), parse, verify, apply, then advance the checkpoint.
func (s *Syncer) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted {
		return ErrHalted
	}

	if len(s.partial) > MaxPartialTailBytes {
		// Treat as corruption of the in-flight buffer, not the journal:
		// drop it and refetch from the last known-good offset.
		slog.Warn("partial tail exceeded ceiling, forcing re-sync",
			"tail_bytes", len(s.partial), "offset", s.cp.SyncOffset)
		s.partial = nil
	}

	fetchOffset := s.cp.SyncOffset + int64(len(s.partial))
	chunk, writerSize, err := s.fetch(ctx, fetchOffset)
	if err != nil {
		// Writer unreachable: keep serving last-applied state, report
		// lag, retry on the next tick.
		s.lastErr = err.Error()
		return fmt.Errorf("replica: writer unreachable: %w", err)
	}
	s.lastErr = ""
	s.writerSize = writerSize
	if s.metrics != nil {
		s.metrics.SyncLag(ctx, max(writerSize-s.cp.SyncOffset, 0))
	}
	if len(chunk) == 0 && len(s.partial) == 0 {
		s.cp.LastSyncAt = s.clock().UTC()
		return s.save()
	}

	buf := append(append([]byte{}, s.partial...), chunk...)
	events, tail, err := journal.ParseChunk(buf)
	if err != nil {
		return s.halt(fmt.Sprintf("unparseable journal range at offset %d: %v", s.cp.SyncOffset, err))
	}

	head, err := journal.VerifyChain(events, s.cp.LastHash)
	if err != nil {
		// Corruption or an unrelated journal. Halting here is what keeps
		// the replica from silently diverging.
		return s.halt(err.Error())
	}

	for _, ev := range events {
		for _, a := range s.appliers {
			if err := a.ApplyEvent(ev); err != nil {
				// Checkpoint not advanced; appliers are idempotent
				// upserts so the refetch re-applies safely.
				return fmt.Errorf("replica: apply event at offset %d: %w", ev.Offset, err)
			}
		}
	}

	consumed := int64(len(buf) - len(tail))
	s.partial = tail
	s.cp.SyncOffset += consumed
	s.cp.LastHash = head
	if n := len(events); n > 0 {
		s.cp.LastEventTS = events[n-1].Timestamp
		s.cp.TotalEventsSynced += int64(n)
		if s.metrics != nil {
			s.metrics.EventsSynced(ctx, int64(n))
		}
	}
	s.cp.LastSyncAt = s.clock().UTC()
	return s.save()
}

// fetch pulls one raw range from the writer.
func (s *Syncer) fetch(ctx context.Context, offset int64) ([]byte, int64, error) {
	url := fmt.Sprintf("%s/v1/journal?offset=%d", s.cfg.WriterAddress, offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("writer returned %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}

	size, _ := strconv.ParseInt(resp.Header.Get("X-Journal-Size"), 10, 64)
	return body, size, nil
}

func (s *Syncer) halt(reason string) error {
	s.halted = true
	s.haltReason = reason
	slog.Error("replica sync halted", "reason", reason)
	return ErrHalted
}

func (s *Syncer) save() error {
	if s.cfg.CheckpointPath == "" {
		return nil
	}
	return saveCheckpoint(s.cfg.CheckpointPath, s.cp)
}

// Status reports sync progress and lag. Reads keep working even while
// the writer is unreachable or the loop is halted.
func (s *Syncer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Checkpoint: s.cp,
		Halted:     s.halted,
		HaltReason: s.haltReason,
		LastError:  s.lastErr,
		LagBytes:   max(s.writerSize-s.cp.SyncOffset, 0),
	}
}

// Package registry tracks node identity, health, and attestation drift.
// All mutations flow through one mutex-owned table; a heartbeat never
// fails merely because drift or spoofing was detected — detection is
// returned as data.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/fleetward/hub/pkg/governance"
	"github.com/fleetward/hub/pkg/journal"
)

// Health is the node's operational state.
type Health string

const (
	HealthGreen  Health = "GREEN"
	HealthYellow Health = "YELLOW"
	HealthRed    Health = "RED"
)

// healthRank orders health for downgrade-only transitions.
func healthRank(h Health) int {
	switch h {
	case HealthGreen:
		return 0
	case HealthYellow:
		return 1
	case HealthRed:
		return 2
	}
	return 0
}

// AttestationStatus is the per-heartbeat attestation verdict.
type AttestationStatus string

const (
	StatusOK           AttestationStatus = "OK"
	StatusDrift        AttestationStatus = "DRIFT"
	StatusSpoofSuspect AttestationStatus = "SPOOF_SUSPECT"
	StatusMissing      AttestationStatus = "MISSING"
)

// Attestation is the node-supplied fingerprint block.
type Attestation struct {
	BuildID           string `json:"build_id"`
	CapabilityHash    string `json:"capability_hash"`
	RuntimeDescriptor string `json:"runtime_descriptor"`
}

// fingerprint is the identity-relevant slice of an attestation. The
// runtime descriptor is informational and does not count as drift.
func (a Attestation) fingerprint() string {
	return a.BuildID + "\x00" + a.CapabilityHash
}

// AttestationState is the tracked attestation history for one node.
type AttestationState struct {
	Attestation
	Status      AttestationStatus `json:"status"`
	FirstSeenAt time.Time         `json:"first_seen_at"`
	LastSeenAt  time.Time         `json:"last_seen_at"`
	ChangeCount int               `json:"change_count"`
	WindowStart time.Time         `json:"window_start"`
}

// NodeRecord is the registry's view of one node. Records are created on
// first heartbeat and never deleted; a silent node ages to RED elsewhere.
type NodeRecord struct {
	NodeID      string           `json:"node_id"`
	Health      Health           `json:"health"`
	Attestation AttestationState `json:"attestation"`
	CurrentJobs []string         `json:"current_jobs"`
}

// HeartbeatResult is what a heartbeat returns to the node.
type HeartbeatResult struct {
	Status  AttestationStatus `json:"attestation_status"`
	Health  Health            `json:"health"`
	Warning string            `json:"warning,omitempty"`
}

// ErrReadOnly is returned when a heartbeat reaches a replica's registry.
var ErrReadOnly = errors.New("registry: read-only replica projection")

// Config tunes the drift escalation machinery.
type Config struct {
	// DriftThreshold is the number of fingerprint transitions within the
	// window that escalates DRIFT to SPOOF_SUSPECT.
	DriftThreshold int
	// DriftWindow is the rolling window for counting transitions.
	DriftWindow time.Duration
	// MinRuntimeVersion, when set, marks heartbeats whose runtime
	// descriptor parses below this floor with a deprecation warning.
	MinRuntimeVersion string
}

// DefaultConfig returns the stock escalation settings.
func DefaultConfig() Config {
	return Config{DriftThreshold: 3, DriftWindow: 10 * time.Minute}
}

// Registry is the mutex-owned node table.
type Registry struct {
	mu       sync.Mutex
	nodes    map[string]*NodeRecord
	cfg      Config
	minVer   *semver.Version
	clock    func() time.Time
	appender journal.Appender
	gate     *governance.Gate
	readOnly bool
}

// New creates a writer-side registry. appender and gate may be nil.
func New(cfg Config, appender journal.Appender, gate *governance.Gate) (*Registry, error) {
	if cfg.DriftThreshold <= 0 {
		cfg.DriftThreshold = 3
	}
	if cfg.DriftWindow <= 0 {
		cfg.DriftWindow = 10 * time.Minute
	}
	r := &Registry{
		nodes:    make(map[string]*NodeRecord),
		cfg:      cfg,
		clock:    time.Now,
		appender: appender,
		gate:     gate,
	}
	if cfg.MinRuntimeVersion != "" {
		v, err := semver.NewVersion(cfg.MinRuntimeVersion)
		if err != nil {
			return nil, fmt.Errorf("registry: bad min runtime version %q: %w", cfg.MinRuntimeVersion, err)
		}
		r.minVer = v
	}
	return r, nil
}

// NewReadOnly creates a replica-side projection: heartbeats are
// rejected, state advances only through ApplyEvent.
func NewReadOnly() *Registry {
	return &Registry{
		nodes:    make(map[string]*NodeRecord),
		cfg:      DefaultConfig(),
		clock:    time.Now,
		readOnly: true,
	}
}

// WithClock overrides the clock for testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Heartbeat ingests one heartbeat and returns the attestation verdict
// and resulting health. health and att are both optional.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string, health Health, att *Attestation, currentJobs []string) (HeartbeatResult, error) {
	if nodeID == "" {
		return HeartbeatResult{}, errors.New("registry: node_id required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.readOnly {
		return HeartbeatResult{}, ErrReadOnly
	}

	now := r.clock()

	rec, seen := r.nodes[nodeID]
	if !seen {
		rec = &NodeRecord{
			NodeID: nodeID,
			Health: HealthGreen,
			Attestation: AttestationState{
				Status:      StatusMissing,
				FirstSeenAt: now,
				WindowStart: now,
			},
		}
		r.nodes[nodeID] = rec
	}

	status := r.assess(rec, att, seen, now)
	rec.Attestation.Status = status
	rec.Attestation.LastSeenAt = now
	if currentJobs != nil {
		rec.CurrentJobs = currentJobs
	}

	// Node-reported health is taken at face value, then floored by the
	// attestation verdict.
	if health != "" {
		rec.Health = health
	}
	r.applyHealthFloor(ctx, rec, status)

	result := HeartbeatResult{Status: status, Health: rec.Health}
	if att != nil && r.minVer != nil {
		if v, err := semver.NewVersion(att.RuntimeDescriptor); err == nil && v.LessThan(r.minVer) {
			result.Warning = fmt.Sprintf("runtime %s is below the supported floor %s", v, r.minVer)
		}
	}

	if r.appender != nil {
		if _, err := r.appender.Append("node.heartbeat", heartbeatPayload(rec)); err != nil {
			return HeartbeatResult{}, fmt.Errorf("registry: journal heartbeat: %w", err)
		}
	}

	return result, nil
}

// assess runs the attestation state machine and updates the stored
// fingerprint. Drift is always measured against the most recent
// fingerprint, never the original baseline.
func (r *Registry) assess(rec *NodeRecord, att *Attestation, seen bool, now time.Time) AttestationStatus {
	if att == nil {
		// No attestation block, independent of history.
		return StatusMissing
	}

	hadFingerprint := seen && (rec.Attestation.BuildID != "" || rec.Attestation.CapabilityHash != "")
	prev := rec.Attestation.fingerprint()
	rec.Attestation.Attestation = *att

	if !hadFingerprint {
		// Baseline establishment: whatever the node reports first is
		// accepted as ground truth.
		return StatusOK
	}

	if prev == att.fingerprint() {
		return StatusOK
	}

	// Fingerprint changed: roll the window, then count the transition.
	if now.Sub(rec.Attestation.WindowStart) > r.cfg.DriftWindow {
		rec.Attestation.WindowStart = now
		rec.Attestation.ChangeCount = 0
	}
	rec.Attestation.ChangeCount++

	if rec.Attestation.ChangeCount >= r.cfg.DriftThreshold {
		return StatusSpoofSuspect
	}
	return StatusDrift
}

// applyHealthFloor downgrades health according to the verdict: DRIFT
// floors health at YELLOW, SPOOF_SUSPECT forces RED. Downgrades pass
// through the governance gate; upgrades never happen here.
func (r *Registry) applyHealthFloor(ctx context.Context, rec *NodeRecord, status AttestationStatus) {
	var floor Health
	switch status {
	case StatusDrift:
		floor = HealthYellow
	case StatusSpoofSuspect:
		floor = HealthRed
	default:
		return
	}

	if healthRank(rec.Health) >= healthRank(floor) {
		return
	}

	proposal := governance.Proposal{
		NodeID:      rec.NodeID,
		FromStatus:  string(rec.Attestation.Status),
		ToStatus:    string(status),
		FromHealth:  string(rec.Health),
		ToHealth:    string(floor),
		ChangeCount: rec.Attestation.ChangeCount,
	}
	if !r.gate.Permit(ctx, proposal) {
		return
	}
	rec.Health = floor
}

// Snapshot returns a deep copy of the registry, keyed by node ID.
func (r *Registry) Snapshot() map[string]NodeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]NodeRecord, len(r.nodes))
	for id, rec := range r.nodes {
		cp := *rec
		cp.CurrentJobs = append([]string(nil), rec.CurrentJobs...)
		out[id] = cp
	}
	return out
}

// Get returns one node record.
func (r *Registry) Get(nodeID string) (NodeRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.nodes[nodeID]
	if !ok {
		return NodeRecord{}, false
	}
	cp := *rec
	cp.CurrentJobs = append([]string(nil), rec.CurrentJobs...)
	return cp, true
}

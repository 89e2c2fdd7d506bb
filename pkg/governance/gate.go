// Package governance gates hub-initiated state changes behind a CEL
// policy. Disabled, the gate is a pass-through. In dry-run mode it logs
// the intended change through the audit logger without applying it.
package governance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/fleetward/hub/pkg/audit"
)

// DefaultPolicy permits every proposed change.
const DefaultPolicy = "true"

// Proposal describes a state change the hub intends to apply to a node
// record (health downgrade, spoof escalation).
type Proposal struct {
	NodeID      string `json:"node_id"`
	FromStatus  string `json:"from_status"`
	ToStatus    string `json:"to_status"`
	FromHealth  string `json:"from_health"`
	ToHealth    string `json:"to_health"`
	ChangeCount int    `json:"change_count"`
}

// Gate evaluates proposals against the configured CEL policy.
type Gate struct {
	enabled bool
	dryRun  bool
	program cel.Program
	auditor audit.Logger
}

// NewGate compiles the policy expression. An empty policy means
// DefaultPolicy. The expression sees node_id, from_status, to_status,
// from_health, to_health, and change_count, and must yield a bool.
func NewGate(enabled, dryRun bool, policy string, auditor audit.Logger) (*Gate, error) {
	if policy == "" {
		policy = DefaultPolicy
	}

	env, err := cel.NewEnv(
		cel.Variable("node_id", cel.StringType),
		cel.Variable("from_status", cel.StringType),
		cel.Variable("to_status", cel.StringType),
		cel.Variable("from_health", cel.StringType),
		cel.Variable("to_health", cel.StringType),
		cel.Variable("change_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("governance: cel env: %w", err)
	}

	ast, issues := env.Compile(policy)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("governance: compile policy: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("governance: build program: %w", err)
	}

	return &Gate{enabled: enabled, dryRun: dryRun, program: prg, auditor: auditor}, nil
}

// Permit reports whether the proposal should be applied. Dry-run logs
// the intent and withholds application. A policy evaluation error
// permits the change: attestation downgrades are protective, so the
// gate fails open.
func (g *Gate) Permit(ctx context.Context, p Proposal) bool {
	if g == nil || !g.enabled {
		return true
	}

	out, _, err := g.program.Eval(map[string]any{
		"node_id":      p.NodeID,
		"from_status":  p.FromStatus,
		"to_status":    p.ToStatus,
		"from_health":  p.FromHealth,
		"to_health":    p.ToHealth,
		"change_count": p.ChangeCount,
	})
	if err != nil {
		slog.Warn("governance policy evaluation failed, permitting change",
			"node_id", p.NodeID, "error", err)
		return true
	}

	permitted, ok := out.Value().(bool)
	if !ok {
		slog.Warn("governance policy did not yield a bool, permitting change",
			"node_id", p.NodeID)
		return true
	}

	if !permitted {
		g.record(ctx, "denied", p)
		return false
	}

	if g.dryRun {
		g.record(ctx, "dry_run_intent", p)
		return false
	}
	return true
}

func (g *Gate) record(ctx context.Context, action string, p Proposal) {
	if g.auditor == nil {
		return
	}
	_ = g.auditor.Record(ctx, audit.EventGovernance, action, "node/"+p.NodeID, map[string]any{
		"from_status":  p.FromStatus,
		"to_status":    p.ToStatus,
		"from_health":  p.FromHealth,
		"to_health":    p.ToHealth,
		"change_count": p.ChangeCount,
	})
}

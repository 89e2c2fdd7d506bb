package registry

import (
	"encoding/json"
	"fmt"

	"github.com/fleetward/hub/pkg/journal"
)

// EventHeartbeat is the journal event type carrying a node record.
const EventHeartbeat = "node.heartbeat"

// heartbeatPayload flattens the resulting record into a journal payload
// so replicas replay outcomes instead of re-running detection.
func heartbeatPayload(rec *NodeRecord) map[string]any {
	raw, _ := json.Marshal(rec)
	var payload map[string]any
	_ = json.Unmarshal(raw, &payload)
	return payload
}

// ApplyEvent replays one journal event into the projection. This is the
// only mutation path a replica's registry accepts.
func (r *Registry) ApplyEvent(ev journal.Event) error {
	if ev.Type != EventHeartbeat {
		return nil
	}

	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("registry: apply event: %w", err)
	}
	var rec NodeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("registry: apply event: %w", err)
	}
	if rec.NodeID == "" {
		return fmt.Errorf("registry: apply event at offset %d: missing node_id", ev.Offset)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[rec.NodeID] = &rec
	return nil
}

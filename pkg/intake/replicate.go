package intake

import (
	"encoding/json"
	"fmt"

	"github.com/fleetward/hub/pkg/journal"
)

// recordPayload flattens a record into a journal payload.
func recordPayload(rec Record) map[string]any {
	raw, _ := json.Marshal(rec)
	var payload map[string]any
	_ = json.Unmarshal(raw, &payload)
	return payload
}

// ApplyEvent replays one journal event into the projection. This is the
// only mutation path a replica's intake accepts.
func (i *Intake) ApplyEvent(ev journal.Event) error {
	if ev.Type != EventAccepted && ev.Type != EventCompleted {
		return nil
	}

	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("intake: apply event: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("intake: apply event: %w", err)
	}
	if rec.IdempotencyKey == "" {
		return fmt.Errorf("intake: apply event at offset %d: missing idempotency_key", ev.Offset)
	}
	return i.store.Put(rec)
}

// Lookup returns the record bound to an idempotency key, for replica
// read endpoints.
func (i *Intake) Lookup(key string) (Record, bool, error) {
	return i.store.Get(key)
}

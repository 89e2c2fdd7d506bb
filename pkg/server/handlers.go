package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fleetward/hub/pkg/api"
	"github.com/fleetward/hub/pkg/audit"
	"github.com/fleetward/hub/pkg/integrity"
	"github.com/fleetward/hub/pkg/intake"
	"github.com/fleetward/hub/pkg/journal"
	"github.com/fleetward/hub/pkg/registry"
)

const maxBodyBytes = 1 << 20

// decodeBody validates the raw body against schema, then unmarshals it
// into dst. Both steps read the same bytes so the validated document is
// exactly what the handler acts on.
func decodeBody(r *http.Request, schema *jsonschema.Schema, dst any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func (s *Server) record(ctx context.Context, eventType audit.EventType, action, resource string, metadata map[string]any) {
	if s.opts.Audit != nil {
		_ = s.opts.Audit.Record(ctx, eventType, action, resource, metadata)
	}
}

// guardReplica rejects mutations early on a guarded replica. Components
// back this up with ErrReadOnly when the guard is off.
func (s *Server) guardReplica(w http.ResponseWriter) bool {
	if s.opts.Replica && s.opts.WriteGuard {
		api.WriteReplicaWriteGuard(w)
		return true
	}
	return false
}

type heartbeatRequest struct {
	NodeID      string                `json:"node_id"`
	Health      registry.Health       `json:"health"`
	Attestation *registry.Attestation `json:"attestation"`
	CurrentJobs []string              `json:"current_jobs"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	if s.guardReplica(w) {
		return
	}

	var req heartbeatRequest
	if err := decodeBody(r, s.schemas.heartbeat, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}

	res, err := s.opts.Registry.Heartbeat(r.Context(), req.NodeID, req.Health, req.Attestation, req.CurrentJobs)
	if err != nil {
		if errors.Is(err, registry.ErrReadOnly) {
			api.WriteReplicaWriteGuard(w)
			return
		}
		api.WriteInternal(w, err)
		return
	}

	s.record(r.Context(), audit.EventMutation, "heartbeat", req.NodeID, map[string]any{
		"attestation_status": res.Status,
		"health":             res.Health,
	})
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"nodes": s.opts.Registry.Snapshot()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	mode := "writer"
	if s.opts.Replica {
		mode = "replica"
	}
	body := map[string]any{"status": "ok", "mode": mode}
	if s.opts.Syncer != nil {
		st := s.opts.Syncer.Status()
		if !st.Halted && st.LastError != "" {
			// Transient: the last fetch failed, reads still serve the
			// last-applied state. Probes see 503 until the writer returns.
			api.WriteWriterUnreachable(w, st.LastError)
			return
		}
		if st.Halted {
			body["status"] = "degraded"
			body["halt_reason"] = st.HaltReason
		}
		body["sync_lag_bytes"] = st.LagBytes
	}
	api.WriteJSON(w, http.StatusOK, body)
}

type submitRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Kind           string         `json:"kind"`
	Params         map[string]any `json:"params"`
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	if s.guardReplica(w) {
		return
	}

	var req submitRequest
	if err := decodeBody(r, s.schemas.request, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}

	res, err := s.opts.Intake.Submit(r.Context(), req.IdempotencyKey, req.Kind, req.Params)
	switch {
	case errors.Is(err, intake.ErrConflict):
		api.WriteConflict(w, "idempotency key already bound to a different payload")
		return
	case errors.Is(err, intake.ErrReadOnly):
		api.WriteReplicaWriteGuard(w)
		return
	case err != nil:
		api.WriteInternal(w, err)
		return
	}

	status := http.StatusAccepted
	if res.Dedup {
		status = http.StatusOK
	} else {
		s.record(r.Context(), audit.EventMutation, "request_accepted", res.JobID, map[string]any{
			"idempotency_key": req.IdempotencyKey,
			"kind":            req.Kind,
		})
	}
	api.WriteJSON(w, status, res)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	if s.guardReplica(w) {
		return
	}

	var sub integrity.Submission
	if err := decodeBody(r, s.schemas.result, &sub); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}

	err := s.opts.Verifier.Submit(r.Context(), sub)
	switch {
	case errors.Is(err, integrity.ErrDigestMismatch):
		s.record(r.Context(), audit.EventMutation, "result_rejected", sub.ResultID, map[string]any{
			"job_id": sub.JobID,
			"mode":   sub.Integrity.Mode,
		})
		api.WriteIntegrityError(w, "submitted digest does not match the canonical result body")
		return
	case errors.Is(err, intake.ErrNotFound):
		api.WriteNotFound(w, "no accepted request for job "+sub.JobID)
		return
	case errors.Is(err, journal.ErrReadOnly):
		api.WriteReplicaWriteGuard(w)
		return
	case err != nil:
		api.WriteBadRequest(w, err.Error())
		return
	}

	s.record(r.Context(), audit.EventMutation, "result_accepted", sub.ResultID, map[string]any{
		"job_id": sub.JobID,
	})
	api.WriteJSON(w, http.StatusAccepted, map[string]any{
		"result_id": sub.ResultID,
		"status":    "accepted",
	})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	if s.opts.Journal == nil {
		api.WriteNotFound(w, "journal is only served by the writer")
		return
	}

	offset := int64(0)
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			api.WriteBadRequest(w, "offset must be a non-negative integer")
			return
		}
		offset = parsed
	}

	chunk, next, lastHash, lastTS, err := s.opts.Journal.ReadRange(offset, 0)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	st := s.opts.Journal.Status()
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Journal-Size", strconv.FormatInt(st.SizeBytes, 10))
	w.Header().Set("X-Journal-Next-Offset", strconv.FormatInt(next, 10))
	if lastHash != "" {
		w.Header().Set("X-Journal-Last-Hash", lastHash)
		w.Header().Set("X-Journal-Last-Event-Ts", lastTS.UTC().Format(time.RFC3339Nano))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(chunk)
}

func (s *Server) handleWriterStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	if s.opts.Journal == nil {
		api.WriteNotFound(w, "writer status is only served by the writer")
		return
	}
	api.WriteJSON(w, http.StatusOK, s.opts.Journal.Status())
}

func (s *Server) handleReplicaStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	if s.opts.Syncer == nil {
		api.WriteNotFound(w, "replica status is only served by a replica")
		return
	}
	api.WriteJSON(w, http.StatusOK, s.opts.Syncer.Status())
}

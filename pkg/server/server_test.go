package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetward/hub/pkg/api"
	"github.com/fleetward/hub/pkg/auth"
	"github.com/fleetward/hub/pkg/canonicalize"
	"github.com/fleetward/hub/pkg/integrity"
	"github.com/fleetward/hub/pkg/intake"
	"github.com/fleetward/hub/pkg/journal"
	"github.com/fleetward/hub/pkg/registry"
	"github.com/fleetward/hub/pkg/replica"
)

const testSecret = "test-secret"

type testCompleter struct {
	ink *intake.Intake
}

func (c testCompleter) Complete(ctx context.Context, jobID, resultRef string) error {
	_, err := c.ink.Complete(ctx, jobID, resultRef)
	return err
}

func newTestServer(t *testing.T, replica bool) (*Server, *journal.FileJournal) {
	t.Helper()

	var jnl *journal.FileJournal
	var reg *registry.Registry
	var ink *intake.Intake
	var ver *integrity.Verifier

	results := integrity.NewMemoryResultStore()
	if replica {
		reg = registry.NewReadOnly()
		ink = intake.NewReadOnly(intake.NewMemoryStore())
		ver = integrity.NewVerifier(results, nil, nil, nil)
	} else {
		var err error
		jnl, err = journal.Open(filepath.Join(t.TempDir(), "journal.ndjson"))
		require.NoError(t, err)
		t.Cleanup(func() { jnl.Close() })

		reg, err = registry.New(registry.Config{}, jnl, nil)
		require.NoError(t, err)
		ink = intake.New(intake.NewMemoryStore(), jnl, results, 0)
		ver = integrity.NewVerifier(results, jnl, testCompleter{ink}, nil)
	}

	srv, err := New(Options{
		ListenAddr:   ":0",
		Replica:      replica,
		WriteGuard:   replica,
		Registry:     reg,
		Intake:       ink,
		Verifier:     ver,
		Journal:      jnl,
		AuthVerifier: auth.NewVerifier(true, auth.TokenEpoch{Active: testSecret}),
	})
	require.NoError(t, err)
	return srv, jnl
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.1:4444"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func problemCategory(t *testing.T, rec *httptest.ResponseRecorder) api.Category {
	t.Helper()
	var p api.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p.Category
}

func TestHealthIsPublic(t *testing.T) {
	srv, _ := newTestServer(t, false)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/health", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "writer", body["mode"])
}

func TestMissingCredentialRejected(t *testing.T) {
	srv, _ := newTestServer(t, false)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/registry", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, api.CategoryAuth, problemCategory(t, rec))

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/v1/registry", "wrong-secret", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHeartbeatFlow(t *testing.T) {
	srv, _ := newTestServer(t, false)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/heartbeat", testSecret, map[string]any{
		"node_id": "node-a",
		"health":  "GREEN",
		"attestation": map[string]any{
			"build_id":        "build-1",
			"capability_hash": "caps-1",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res registry.HeartbeatResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, registry.StatusOK, res.Status)
	assert.Equal(t, registry.HealthGreen, res.Health)

	// The node appears in the registry listing.
	rec = doJSON(t, h, http.MethodGet, "/v1/registry", testSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Nodes map[string]registry.NodeRecord `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Contains(t, listing.Nodes, "node-a")
}

func TestHeartbeatWithoutHealth(t *testing.T) {
	srv, _ := newTestServer(t, false)

	// health is optional; a bare liveness ping is a valid heartbeat.
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/heartbeat", testSecret, map[string]any{
		"node_id": "node-a",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res registry.HeartbeatResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, registry.StatusMissing, res.Status)
	assert.Equal(t, registry.HealthGreen, res.Health)
}

func TestHeartbeatRuntimeDescriptor(t *testing.T) {
	jnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.ndjson"))
	require.NoError(t, err)
	t.Cleanup(func() { jnl.Close() })

	reg, err := registry.New(registry.Config{MinRuntimeVersion: "2.0.0"}, jnl, nil)
	require.NoError(t, err)
	srv, err := New(Options{
		ListenAddr:   ":0",
		Registry:     reg,
		Intake:       intake.New(intake.NewMemoryStore(), jnl, nil, 0),
		AuthVerifier: auth.NewVerifier(true, auth.TokenEpoch{Active: testSecret}),
	})
	require.NoError(t, err)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/heartbeat", testSecret, map[string]any{
		"node_id": "node-a",
		"attestation": map[string]any{
			"build_id":           "build-1",
			"capability_hash":    "caps-1",
			"runtime_descriptor": "1.9.3",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res registry.HeartbeatResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, registry.StatusOK, res.Status)
	assert.Contains(t, res.Warning, "below the supported floor")
}

func TestHeartbeatSchemaValidation(t *testing.T) {
	srv, _ := newTestServer(t, false)

	// health outside the enum
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/heartbeat", testSecret, map[string]any{
		"node_id": "node-a",
		"health":  "PURPLE",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, api.CategoryValidation, problemCategory(t, rec))

	// attestation present but missing its required fields
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/heartbeat", testSecret, map[string]any{
		"node_id":     "node-a",
		"health":      "GREEN",
		"attestation": map[string]any{"build_id": "b"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestDedupAndConflict(t *testing.T) {
	srv, _ := newTestServer(t, false)
	h := srv.Handler()

	body := map[string]any{
		"idempotency_key": "key-1",
		"kind":            "deploy",
		"params":          map[string]any{"target": "eu"},
	}
	rec := doJSON(t, h, http.MethodPost, "/v1/requests", testSecret, body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var first intake.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.False(t, first.Dedup)
	assert.NotEmpty(t, first.JobID)

	rec = doJSON(t, h, http.MethodPost, "/v1/requests", testSecret, body)
	require.Equal(t, http.StatusOK, rec.Code)
	var second intake.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.True(t, second.Dedup)
	assert.Equal(t, first.JobID, second.JobID)

	body["params"] = map[string]any{"target": "us"}
	rec = doJSON(t, h, http.MethodPost, "/v1/requests", testSecret, body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, api.CategoryConflict, problemCategory(t, rec))
}

func TestResultSubmission(t *testing.T) {
	srv, _ := newTestServer(t, false)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/requests", testSecret, map[string]any{
		"idempotency_key": "key-1",
		"kind":            "deploy",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted intake.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))

	sub := integrity.Submission{
		ResultID: "res-1",
		JobID:    accepted.JobID,
		OK:       true,
		Result:   map[string]any{"output": "done"},
	}
	digest, err := integrity.ComputeDigest(canonicalize.ModeSHA256, sub)
	require.NoError(t, err)

	rec = doJSON(t, h, http.MethodPost, "/v1/results", testSecret, map[string]any{
		"result_id": sub.ResultID,
		"job_id":    sub.JobID,
		"ok":        true,
		"result":    sub.Result,
		"integrity": map[string]any{"mode": "sha256", "digest": digest},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	// A dedup hit after completion returns the cached result body.
	rec = doJSON(t, h, http.MethodPost, "/v1/requests", testSecret, map[string]any{
		"idempotency_key": "key-1",
		"kind":            "deploy",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var dedup intake.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dedup))
	assert.Equal(t, intake.StatusCompleted, dedup.Status)
	require.NotNil(t, dedup.Result)
	assert.Equal(t, "done", dedup.Result["result"].(map[string]any)["output"])
}

func TestResultModeDefaultsToSHA256(t *testing.T) {
	srv, _ := newTestServer(t, false)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/requests", testSecret, map[string]any{
		"idempotency_key": "key-1",
		"kind":            "deploy",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted intake.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))

	sub := integrity.Submission{
		ResultID: "res-1",
		JobID:    accepted.JobID,
		OK:       true,
		Result:   map[string]any{"output": "done"},
	}
	digest, err := integrity.ComputeDigest(canonicalize.ModeSHA256, sub)
	require.NoError(t, err)

	// No mode in the integrity block: sha256 is assumed.
	rec = doJSON(t, h, http.MethodPost, "/v1/results", testSecret, map[string]any{
		"result_id": sub.ResultID,
		"job_id":    sub.JobID,
		"ok":        true,
		"result":    sub.Result,
		"integrity": map[string]any{"digest": digest},
	})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestResultDigestMismatch(t *testing.T) {
	srv, _ := newTestServer(t, false)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/results", testSecret, map[string]any{
		"result_id": "res-1",
		"job_id":    "job-1",
		"ok":        true,
		"result":    map[string]any{"output": "tampered"},
		"integrity": map[string]any{"mode": "sha256", "digest": "deadbeef"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, api.CategoryIntegrity, problemCategory(t, rec))
}

func TestJournalEndpoint(t *testing.T) {
	srv, jnl := newTestServer(t, false)
	h := srv.Handler()

	for i := 0; i < 3; i++ {
		_, err := jnl.Append("node.heartbeat", map[string]any{"seq": float64(i)})
		require.NoError(t, err)
	}

	rec := doJSON(t, h, http.MethodGet, "/v1/journal?offset=0", testSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	st := jnl.Status()
	assert.Equal(t, fmt.Sprint(st.SizeBytes), rec.Header().Get("X-Journal-Size"))
	assert.Equal(t, fmt.Sprint(st.SizeBytes), rec.Header().Get("X-Journal-Next-Offset"))
	assert.Equal(t, st.LastHash, rec.Header().Get("X-Journal-Last-Hash"))
	assert.NotEmpty(t, rec.Header().Get("X-Journal-Last-Event-Ts"))

	events, partial, err := journal.ParseChunk(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Len(t, events, 3)
	assert.Empty(t, partial)

	// Polling from the head returns an empty chunk, same offset.
	rec = doJSON(t, h, http.MethodGet, fmt.Sprintf("/v1/journal?offset=%d", st.SizeBytes), testSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	assert.Equal(t, fmt.Sprint(st.SizeBytes), rec.Header().Get("X-Journal-Next-Offset"))

	rec = doJSON(t, h, http.MethodGet, "/v1/journal?offset=-4", testSecret, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriterStatus(t *testing.T) {
	srv, jnl := newTestServer(t, false)
	_, err := jnl.Append("node.heartbeat", map[string]any{})
	require.NoError(t, err)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/writer/status", testSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st journal.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, int64(1), st.TotalEvents)
	assert.NotEqual(t, journal.GenesisHash, st.LastHash)
}

func TestReplicaRejectsMutations(t *testing.T) {
	srv, _ := newTestServer(t, true)
	h := srv.Handler()

	for _, path := range []string{"/v1/heartbeat", "/v1/requests", "/v1/results"} {
		rec := doJSON(t, h, http.MethodPost, path, testSecret, map[string]any{})
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
		assert.Equal(t, api.CategoryReplicaWriteGuard, problemCategory(t, rec), path)
	}

	// Reads keep working.
	rec := doJSON(t, h, http.MethodGet, "/v1/registry", testSecret, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The journal is not served by a replica.
	rec = doJSON(t, h, http.MethodGet, "/v1/journal", testSecret, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/v1/writer/status", testSecret, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReplicaGuardDisabled(t *testing.T) {
	srv, err := New(Options{
		ListenAddr:   ":0",
		Replica:      true,
		WriteGuard:   false,
		Registry:     registry.NewReadOnly(),
		Intake:       intake.NewReadOnly(intake.NewMemoryStore()),
		AuthVerifier: auth.NewVerifier(true, auth.TokenEpoch{Active: testSecret}),
	})
	require.NoError(t, err)
	h := srv.Handler()

	// With the guard off the body is read and validated first.
	rec := doJSON(t, h, http.MethodPost, "/v1/heartbeat", testSecret, map[string]any{
		"health": "GREEN",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, api.CategoryValidation, problemCategory(t, rec))

	// A well-formed mutation still dies on the read-only projection.
	rec = doJSON(t, h, http.MethodPost, "/v1/heartbeat", testSecret, map[string]any{
		"node_id": "node-a",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, api.CategoryReplicaWriteGuard, problemCategory(t, rec))
}

func TestReplicaHealthWriterUnreachable(t *testing.T) {
	writer := httptest.NewServer(http.NotFoundHandler())
	writer.Close()

	syncer, err := replica.NewSyncer(replica.Config{
		WriterAddress:  writer.URL,
		CheckpointPath: filepath.Join(t.TempDir(), "cp.json"),
	}, nil, nil)
	require.NoError(t, err)
	require.Error(t, syncer.Sync(context.Background()))

	srv, err := New(Options{
		ListenAddr:   ":0",
		Replica:      true,
		WriteGuard:   true,
		Registry:     registry.NewReadOnly(),
		Intake:       intake.NewReadOnly(intake.NewMemoryStore()),
		Syncer:       syncer,
		AuthVerifier: auth.NewVerifier(true, auth.TokenEpoch{Active: testSecret}),
	})
	require.NoError(t, err)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, api.CategoryWriterUnreachable, problemCategory(t, rec))

	// Registry reads keep serving the last-applied state.
	rec = doJSON(t, srv.Handler(), http.MethodGet, "/v1/registry", testSecret, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	srvLimited, err := New(Options{
		ListenAddr:   ":0",
		Registry:     registry.NewReadOnly(),
		Intake:       intake.NewReadOnly(intake.NewMemoryStore()),
		Verifier:     nil,
		AuthVerifier: auth.NewVerifier(true, auth.TokenEpoch{Active: testSecret}),
		Limiter:      auth.NewMemoryLimiterStore(),
		LimitPolicy:  auth.LimitPolicy{PerMinute: 1, Burst: 2},
	})
	require.NoError(t, err)

	h := srvLimited.Handler()
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := doJSON(t, h, http.MethodGet, "/v1/registry", testSecret, nil)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Health probes are never throttled.
	rec := doJSON(t, h, http.MethodGet, "/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, false)
	rec := doJSON(t, srv.Handler(), http.MethodDelete, "/v1/registry", testSecret, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRequestIDEcho(t *testing.T) {
	srv, _ := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

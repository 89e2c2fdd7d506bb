// Package server exposes the hub's HTTP surface: heartbeat intake,
// registry reads, request submission, result verification, journal
// ranges for replicas, and status endpoints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/fleetward/hub/pkg/api"
	"github.com/fleetward/hub/pkg/audit"
	"github.com/fleetward/hub/pkg/auth"
	"github.com/fleetward/hub/pkg/integrity"
	"github.com/fleetward/hub/pkg/intake"
	"github.com/fleetward/hub/pkg/journal"
	"github.com/fleetward/hub/pkg/registry"
	"github.com/fleetward/hub/pkg/replica"
)

// Options wires the server to the mode-specific component set. Journal
// and Syncer are mutually exclusive: a writer has a journal, a replica
// has a syncer.
type Options struct {
	ListenAddr string
	Replica    bool
	// WriteGuard rejects mutations on a replica before the body is read.
	// With it off the read-only components still refuse writes; the guard
	// only controls the early 403. Disabling it is for test rigs.
	WriteGuard bool

	Registry *registry.Registry
	Intake   *intake.Intake
	Verifier *integrity.Verifier
	Journal  *journal.FileJournal
	Syncer   *replica.Syncer

	AuthVerifier *auth.Verifier
	Limiter      auth.LimiterStore
	LimitPolicy  auth.LimitPolicy
	Audit        audit.Logger
}

// Server is the hub's HTTP front end.
type Server struct {
	opts    Options
	schemas *bodySchemas
	httpSrv *http.Server
	logger  *slog.Logger
}

// New builds the server and its middleware chain. Schema compilation
// failures are construction errors, not request-time errors.
func New(opts Options) (*Server, error) {
	if opts.Registry == nil || opts.Intake == nil {
		return nil, errors.New("server: registry and intake are required")
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:    opts,
		schemas: schemas,
		logger:  slog.Default().With("component", "server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/v1/registry", s.handleRegistry)
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.HandleFunc("/v1/requests", s.handleRequests)
	mux.HandleFunc("/v1/results", s.handleResults)
	mux.HandleFunc("/v1/journal", s.handleJournal)
	mux.HandleFunc("/v1/writer/status", s.handleWriterStatus)
	mux.HandleFunc("/v1/replica/status", s.handleReplicaStatus)

	var handler http.Handler = mux
	if opts.AuthVerifier != nil {
		handler = auth.NewMiddleware(opts.AuthVerifier)(handler)
	}
	if opts.Limiter != nil {
		handler = auth.RateLimitMiddleware(opts.Limiter, opts.LimitPolicy)(handler)
	}
	handler = api.RequestIDMiddleware(handler)

	s.httpSrv = &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the full middleware-wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.opts.ListenAddr, "replica", s.opts.Replica)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

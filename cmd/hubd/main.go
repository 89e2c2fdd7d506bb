// hubd is the fleet hub daemon. It runs as the single authoritative
// writer or as a read-only replica that follows the writer's journal.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fleetward/hub/pkg/archive"
	"github.com/fleetward/hub/pkg/audit"
	"github.com/fleetward/hub/pkg/auth"
	"github.com/fleetward/hub/pkg/canonicalize"
	"github.com/fleetward/hub/pkg/config"
	"github.com/fleetward/hub/pkg/governance"
	"github.com/fleetward/hub/pkg/integrity"
	"github.com/fleetward/hub/pkg/intake"
	"github.com/fleetward/hub/pkg/journal"
	"github.com/fleetward/hub/pkg/observability"
	"github.com/fleetward/hub/pkg/registry"
	"github.com/fleetward/hub/pkg/replica"
	"github.com/fleetward/hub/pkg/server"
	"github.com/fleetward/hub/pkg/store"
)

const version = "0.3.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("hubd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to YAML config file (env vars override)")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Fprintf(stderr, "hubd %s\n", version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config) error {
	obs, err := observability.New(ctx, observability.Config{
		ServiceName:    "hubd",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		LogLevel:       cfg.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	logger := slog.Default()
	auditor := audit.NewLogger()

	verifier := buildAuthVerifier(cfg)
	limiter := buildLimiter(cfg)
	policy := auth.LimitPolicy{PerMinute: cfg.RateLimitPerMinute, Burst: cfg.RateLimitBurst}

	opts := server.Options{
		ListenAddr:   cfg.ListenAddr,
		Replica:      cfg.Mode == config.ModeReplica,
		WriteGuard:   cfg.ReplicaWriteGuard,
		AuthVerifier: verifier,
		Limiter:      limiter,
		LimitPolicy:  policy,
		Audit:        auditor,
	}

	var syncer *replica.Syncer
	if cfg.Mode == config.ModeWriter {
		if err := buildWriter(ctx, cfg, auditor, obs, &opts); err != nil {
			return err
		}
	} else {
		syncer, err = buildReplica(cfg, obs, &opts)
		if err != nil {
			return err
		}
	}

	srv, err := server.New(opts)
	if err != nil {
		return err
	}

	if syncer != nil {
		go syncer.Run(ctx)
	}
	if opts.Intake != nil && cfg.Mode == config.ModeWriter {
		opts.Intake.StartSweeper(ctx, time.Hour)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("hubd started", "version", version, "mode", cfg.Mode, "addr", cfg.ListenAddr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if opts.Journal != nil {
		return opts.Journal.Close()
	}
	return nil
}

// buildWriter assembles the authoritative component set: the journal,
// the registry, the intake, and the integrity verifier, all sharing the
// journal as their event sink.
func buildWriter(ctx context.Context, cfg *config.Config, auditor audit.Logger, obs *observability.Provider, opts *server.Options) error {
	if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755); err != nil {
		return fmt.Errorf("journal dir: %w", err)
	}
	jnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return err
	}

	gate, err := governance.NewGate(cfg.GovernanceEnabled, cfg.GovernanceDryRun, cfg.GovernancePolicy, auditor)
	if err != nil {
		return err
	}

	appender := meteredAppender{jnl: jnl, obs: obs}
	reg, err := registry.New(registry.Config{
		DriftThreshold:    cfg.DriftThreshold,
		DriftWindow:       cfg.DriftWindow,
		MinRuntimeVersion: cfg.MinRuntimeVersion,
	}, appender, gate)
	if err != nil {
		return err
	}

	intakeStore, err := buildIntakeStore(cfg)
	if err != nil {
		return err
	}
	results := integrity.NewMemoryResultStore()
	ink := intake.New(intakeStore, appender, results, intake.DefaultRetention)
	ver := integrity.NewVerifier(results, appender, intakeCompleter{ink}, obs).
		WithDefaultMode(canonicalize.DigestMode(cfg.DigestMode))

	if arch, err := archive.New(ctx, archive.Config{
		S3Bucket:  cfg.ArchiveS3Bucket,
		S3Region:  cfg.ArchiveS3Region,
		GCSBucket: cfg.ArchiveGCSBucket,
	}); err != nil {
		return err
	} else if arch != nil {
		go archiveLoop(ctx, jnl, arch)
	}

	opts.Registry = reg
	opts.Intake = ink
	opts.Verifier = ver
	opts.Journal = jnl
	return nil
}

// buildReplica assembles read-only projections and the syncer that
// feeds them from the writer's journal.
func buildReplica(cfg *config.Config, obs *observability.Provider, opts *server.Options) (*replica.Syncer, error) {
	reg := registry.NewReadOnly()

	intakeStore, err := buildIntakeStore(cfg)
	if err != nil {
		return nil, err
	}
	ink := intake.NewReadOnly(intakeStore)
	results := integrity.NewMemoryResultStore()
	ver := integrity.NewVerifier(results, nil, nil, obs).
		WithDefaultMode(canonicalize.DigestMode(cfg.DigestMode))

	if err := os.MkdirAll(filepath.Dir(cfg.CheckpointPath), 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint dir: %w", err)
	}
	syncer, err := replica.NewSyncer(replica.Config{
		WriterAddress:  cfg.WriterAddress,
		CheckpointPath: cfg.CheckpointPath,
		Token:          replicaToken(cfg),
		Interval:       cfg.SyncInterval,
	}, []replica.Applier{reg, ink, results}, obs)
	if err != nil {
		return nil, err
	}

	opts.Registry = reg
	opts.Intake = ink
	opts.Verifier = ver
	opts.Syncer = syncer
	return syncer, nil
}

func buildAuthVerifier(cfg *config.Config) *auth.Verifier {
	epoch := auth.TokenEpoch{}
	switch {
	case cfg.AuthActiveSecret != "":
		epoch.Active = cfg.AuthActiveSecret
		epoch.Next = cfg.AuthNextSecret
		epoch.RotationDeadline = cfg.AuthRotationDeadline
	case cfg.AuthSecret != "":
		epoch.Active = cfg.AuthSecret
	}
	return auth.NewVerifier(cfg.AuthEnforce, epoch)
}

func buildLimiter(cfg *config.Config) auth.LimiterStore {
	if cfg.RedisAddr != "" {
		return auth.NewRedisLimiterStore(cfg.RedisAddr, "", 0)
	}
	return auth.NewMemoryLimiterStore()
}

func buildIntakeStore(cfg *config.Config) (intake.Store, error) {
	switch {
	case cfg.PostgresURL != "":
		db, err := store.OpenPostgres(cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		return store.NewPostgresIntakeStore(db)
	case cfg.StorePath != "":
		if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755); err != nil {
			return nil, fmt.Errorf("store dir: %w", err)
		}
		db, err := store.OpenSQLite(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		return store.NewSQLiteIntakeStore(db)
	default:
		return intake.NewMemoryStore(), nil
	}
}

// meteredAppender counts successful appends without the journal package
// depending on metrics.
type meteredAppender struct {
	jnl *journal.FileJournal
	obs *observability.Provider
}

func (m meteredAppender) Append(eventType string, payload map[string]any) (journal.Event, error) {
	ev, err := m.jnl.Append(eventType, payload)
	if err == nil {
		m.obs.JournalAppend(context.Background(), eventType)
	}
	return ev, err
}

// intakeCompleter narrows intake completion to the signature the
// integrity verifier consumes.
type intakeCompleter struct {
	ink *intake.Intake
}

func (c intakeCompleter) Complete(ctx context.Context, jobID, resultRef string) error {
	_, err := c.ink.Complete(ctx, jobID, resultRef)
	return err
}

// replicaToken returns the credential the syncer presents to the
// writer. The next secret wins when set: the writer accepts it on both
// sides of the rotation deadline, while the active secret dies at the
// deadline and would strand the replica mid-rotation.
func replicaToken(cfg *config.Config) string {
	if cfg.AuthNextSecret != "" {
		return cfg.AuthNextSecret
	}
	if cfg.AuthActiveSecret != "" {
		return cfg.AuthActiveSecret
	}
	return cfg.AuthSecret
}

// archiveLoop uploads a content-addressed journal snapshot hourly.
// Uploads are idempotent, so an unchanged journal is skipped by the
// store's existence check.
func archiveLoop(ctx context.Context, jnl *journal.FileJournal, arch archive.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			raw, err := jnl.Snapshot()
			if err != nil {
				slog.Warn("journal snapshot failed", "error", err)
				continue
			}
			hash, err := arch.Store(ctx, raw)
			if err != nil {
				slog.Warn("journal archive failed", "error", err)
				continue
			}
			slog.Debug("journal snapshot archived", "hash", hash)
		}
	}
}

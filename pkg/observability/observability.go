// Package observability wires structured logging and OpenTelemetry
// metrics for the hub. Metrics are no-ops when no OTLP endpoint is
// configured, so every counter call site stays unconditional.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // e.g. "localhost:4317"; empty disables export
	LogLevel       string
}

// Provider owns the meter and the hub's instruments.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	integrityRejections metric.Int64Counter
	journalAppends      metric.Int64Counter
	eventsSynced        metric.Int64Counter
	syncLagBytes        metric.Int64Gauge
}

// New creates a provider and installs slog defaults at the configured level.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	level := parseLevel(cfg.LogLevel)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	p := &Provider{logger: slog.Default().With("component", "observability")}

	if cfg.OTLPEndpoint != "" {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}

		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}

		p.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		)
		otel.SetMeterProvider(p.meterProvider)
		p.logger.InfoContext(ctx, "metrics export enabled", "endpoint", cfg.OTLPEndpoint)
	}

	p.meter = otel.Meter("fleetward.hub")
	if err := p.initInstruments(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.integrityRejections, err = p.meter.Int64Counter("hub.integrity.rejections",
		metric.WithDescription("Result submissions rejected on digest mismatch")); err != nil {
		return err
	}
	if p.journalAppends, err = p.meter.Int64Counter("hub.journal.appends",
		metric.WithDescription("Events appended to the journal")); err != nil {
		return err
	}
	if p.eventsSynced, err = p.meter.Int64Counter("hub.replica.events_synced",
		metric.WithDescription("Events applied by the replica sync loop")); err != nil {
		return err
	}
	if p.syncLagBytes, err = p.meter.Int64Gauge("hub.replica.sync_lag_bytes",
		metric.WithDescription("Bytes between the writer head and the replica checkpoint")); err != nil {
		return err
	}
	return nil
}

// IntegrityRejection increments the observable rejection counter.
func (p *Provider) IntegrityRejection(ctx context.Context, mode string) {
	p.integrityRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// JournalAppend records one appended event.
func (p *Provider) JournalAppend(ctx context.Context, eventType string) {
	p.journalAppends.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// EventsSynced records applied replica events.
func (p *Provider) EventsSynced(ctx context.Context, n int64) {
	p.eventsSynced.Add(ctx, n)
}

// SyncLag records the replica's current byte lag behind the writer.
func (p *Provider) SyncLag(ctx context.Context, bytes int64) {
	p.syncLagBytes.Record(ctx, bytes)
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

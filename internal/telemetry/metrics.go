// Package telemetry emits request counters and latency to an OTLP metrics
// sink. The shape follows the tracing provider this codebase otherwise
// builds (config-driven exporter switch, a Noop fallback for tests), but
// targets the metric signal instead of spans, since that is what the
// firewall's decision counters need.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Config controls the metrics exporter.
type Config struct {
	Enabled        bool
	Exporter       string // "otlp", "stdout", or "none"
	Endpoint       string
	Insecure       bool
	ExportInterval time.Duration
}

// Provider owns the four request counters and the duration histogram the
// request pipeline reports to on every decision.
type Provider struct {
	provider *sdkmetric.MeterProvider

	totalRequests       metric.Int64Counter
	allowedRequests     metric.Int64Counter
	blockedRequests     metric.Int64Counter
	rateLimitedRequests metric.Int64Counter
	requestDuration     metric.Float64Histogram
}

// NewProvider builds a Provider. When cfg.Enabled is false the provider is
// still usable — every method becomes a no-op — so callers never need a nil
// check.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return noopProvider(), nil
	}

	var exporter sdkmetric.Exporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = newOTLPExporter(cfg)
	case "stdout":
		exporter, err = stdoutmetric.New()
	default:
		return noopProvider(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating metrics exporter: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", "aegis"))),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)

	meter := mp.Meter("aegis")

	p := &Provider{provider: mp}
	if err := p.initInstruments(meter); err != nil {
		return nil, err
	}

	slog.Info("metrics provider initialized", "exporter", cfg.Exporter, "endpoint", cfg.Endpoint, "interval", interval)
	return p, nil
}

func newOTLPExporter(cfg Config) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return otlpmetricgrpc.New(context.Background(), opts...)
}

func (p *Provider) initInstruments(meter metric.Meter) error {
	var err error

	p.totalRequests, err = meter.Int64Counter("total_requests")
	if err != nil {
		return fmt.Errorf("creating total_requests: %w", err)
	}
	p.allowedRequests, err = meter.Int64Counter("allowed_requests")
	if err != nil {
		return fmt.Errorf("creating allowed_requests: %w", err)
	}
	p.blockedRequests, err = meter.Int64Counter("blocked_requests")
	if err != nil {
		return fmt.Errorf("creating blocked_requests: %w", err)
	}
	p.rateLimitedRequests, err = meter.Int64Counter("rate_limited_requests")
	if err != nil {
		return fmt.Errorf("creating rate_limited_requests: %w", err)
	}
	p.requestDuration, err = meter.Float64Histogram("request_duration_ms")
	if err != nil {
		return fmt.Errorf("creating request_duration_ms: %w", err)
	}
	return nil
}

func noopProvider() *Provider {
	meter := sdkmetric.NewMeterProvider().Meter("aegis-noop")
	p := &Provider{}
	_ = p.initInstruments(meter) // noop instruments never fail to construct
	return p
}

// RecordTotal increments the unconditional per-request counter.
func (p *Provider) RecordTotal(ctx context.Context) {
	p.totalRequests.Add(ctx, 1)
}

// RecordAllowed increments the allowed counter and records the request's
// duration.
func (p *Provider) RecordAllowed(ctx context.Context, durationMs float64) {
	p.allowedRequests.Add(ctx, 1)
	p.requestDuration.Record(ctx, durationMs)
}

// RecordBlocked increments the blocked counter and records the request's
// duration. Count-action matches are also accounted here, matching the
// original implementation — see DESIGN.md.
func (p *Provider) RecordBlocked(ctx context.Context, durationMs float64) {
	p.blockedRequests.Add(ctx, 1)
	p.requestDuration.Record(ctx, durationMs)
}

// RecordRateLimited increments the rate-limited counter and records the
// request's duration.
func (p *Provider) RecordRateLimited(ctx context.Context, durationMs float64) {
	p.rateLimitedRequests.Add(ctx, 1)
	p.requestDuration.Record(ctx, durationMs)
}

// Shutdown flushes and closes the underlying meter provider, if any.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

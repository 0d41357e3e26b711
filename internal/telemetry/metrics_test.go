package telemetry

import (
	"context"
	"testing"
)

func TestNewProvider_DisabledReturnsUsableNoop(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	p.RecordTotal(ctx)
	p.RecordAllowed(ctx, 1.5)
	p.RecordBlocked(ctx, 2.5)
	p.RecordRateLimited(ctx, 3.5)

	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("unexpected error shutting down noop provider: %v", err)
	}
}

func TestNewProvider_UnknownExporterFallsBackToNoop(t *testing.T) {
	p, err := NewProvider(Config{Enabled: true, Exporter: "nonsense"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	p.RecordTotal(ctx)

	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewProvider_StdoutExporter(t *testing.T) {
	p, err := NewProvider(Config{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	p.RecordAllowed(ctx, 10)

	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

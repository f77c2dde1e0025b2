package otel

import (
	"context"
	"testing"

	"github.com/basket/foundry/internal/bus"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil meter (noop)")
	}
}

func TestInit_Disabled_ShutdownNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil Meter")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "magic-pixie-dust",
	})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestCreateMetricReader_PerExporter(t *testing.T) {
	ctx := context.Background()

	reader, err := createMetricReader(ctx, Config{Exporter: "none"})
	if err != nil || reader != nil {
		t.Fatalf("none exporter must yield no reader, got %v / %v", reader, err)
	}

	reader, err = createMetricReader(ctx, Config{Exporter: "stdout"})
	if err != nil || reader == nil {
		t.Fatalf("stdout exporter must yield a reader, got %v / %v", reader, err)
	}
	_ = reader.Shutdown(ctx)

	reader, err = createMetricReader(ctx, Config{Exporter: "otlp-http"})
	if err != nil || reader == nil {
		t.Fatalf("otlp-http exporter must yield a reader, got %v / %v", reader, err)
	}
	_ = reader.Shutdown(ctx)

	if _, err := createMetricReader(ctx, Config{Exporter: "magic-pixie-dust"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNewMetrics_AllInstruments(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.AttemptDuration == nil || m.QueueDepth == nil || m.DeadLetters == nil || m.CostUSD == nil {
		t.Fatal("expected all instruments constructed")
	}
	// Instruments must accept recordings without panicking.
	m.AttemptsTotal.Add(context.Background(), 1)
	m.AttemptDuration.Record(context.Background(), 1.5)
	m.QueueDepth.Record(context.Background(), 3)
	m.CostUSD.Add(context.Background(), 0.002)
}

func TestRecorder_ConsumesBusEvents(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	b := bus.New()
	r := NewRecorder(b, m)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	b.Publish(bus.TopicItemClaimed, bus.StageEvent{ItemID: "w1", Stage: "DEV"})
	b.Publish(bus.TopicItemDeadLetter, bus.StageEvent{ItemID: "w1", Stage: "DEV", Reason: "x"})
	b.Publish(bus.TopicAgentRestarted, bus.AgentEvent{AgentID: "dev-1", Role: "developer"})
	b.Publish(bus.TopicProviderUsage, bus.UsageEvent{
		ItemID: "w1", Role: "developer", Stage: "DEV",
		InputTokens: 300, OutputTokens: 700, CostUSD: 0.002,
		ProviderSeconds: 0.4, AttemptSeconds: 0.5,
	})

	cancel()
	<-done
}

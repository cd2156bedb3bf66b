package otel

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected no-op tracer and meter")
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled provider should not build an SDK tracer provider")
	}
	_, span := p.Tracer.Start(context.Background(), "ignored")
	if span.SpanContext().IsSampled() {
		t.Fatal("no-op spans must not be sampled")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInit_Exporters(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "none", cfg: Config{Enabled: true, Exporter: "none"}},
		{name: "custom service", cfg: Config{Enabled: true, Exporter: "none", ServiceName: "starry-dev"}},
		{name: "half sampled", cfg: Config{Enabled: true, Exporter: "none", SampleRate: 0.5}},
		{name: "unknown", cfg: Config{Enabled: true, Exporter: "carrier-pigeon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Init(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("init: %v", err)
			}
			defer p.Shutdown(context.Background())
			if p.TracerProvider == nil {
				t.Fatal("expected SDK tracer provider")
			}
		})
	}
}

func TestSampler(t *testing.T) {
	always := sampler(0).ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		Name:          "x",
	})
	if always.Decision != sdktrace.RecordAndSample {
		t.Fatalf("rate 0 should fall back to sampling everything, got %v", always.Decision)
	}
}

func TestSpanHelpers_Kinds(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer(TracerName)

	_, internal := StartSpan(context.Background(), tracer, "task.tool", AttrTaskID.String("t1"), AttrToolName.String("read_file"))
	internal.End()
	_, server := StartServerSpan(context.Background(), tracer, "gateway.intent", AttrIntent.String("newTask"))
	server.End()
	_, client := StartClientSpan(context.Background(), tracer, "llm.stream", AttrModel.String("anthropic/claude-3.5-sonnet"))
	client.End()

	want := map[string]trace.SpanKind{
		"task.tool":      trace.SpanKindInternal,
		"gateway.intent": trace.SpanKindServer,
		"llm.stream":     trace.SpanKindClient,
	}
	ended := rec.Ended()
	if len(ended) != len(want) {
		t.Fatalf("expected %d spans, got %d", len(want), len(ended))
	}
	for _, s := range ended {
		if s.SpanKind() != want[s.Name()] {
			t.Errorf("%s: kind %v, want %v", s.Name(), s.SpanKind(), want[s.Name()])
		}
	}
	if attrs := ended[0].Attributes(); len(attrs) != 2 || attrs[0].Key != AttrTaskID {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

// Package telemetry wires OpenTelemetry spans around the server's own
// operations (ingest, archive), distinct from the domain TraceEntry
// concept the server ingests from producers.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/apaku/tracetool/pkg/types"
)

// Provider owns the tracer provider and the tracer operations are started
// from. A disabled Provider still returns a usable no-op tracer so callers
// never need to nil-check before starting a span.
type Provider struct {
	cfg      types.TelemetryConfig
	logger   *logrus.Logger
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
}

// New builds a Provider. When cfg.Enabled is false no exporter is created
// and Tracer() returns otel's global no-op tracer.
func New(cfg types.TelemetryConfig, logger *logrus.Logger) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{cfg: cfg, logger: logger, tracer: otel.Tracer("noop")}, nil
	}

	p := &Provider{cfg: cfg, logger: logger}
	if err := p.initialize(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initialize() error {
	opts := []otlptracehttp.Option{}
	if p.cfg.OTLPEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(p.cfg.OTLPEndpoint))
	}
	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return fmt.Errorf("telemetry: create otlp exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(p.cfg.ServiceName)),
	)
	if err != nil {
		return fmt.Errorf("telemetry: create resource: %w", err)
	}

	sampleFraction := p.cfg.SampleFraction
	if sampleFraction <= 0 {
		sampleFraction = 1.0
	}

	p.provider = trace.NewTracerProvider(
		trace.WithBatcher(exporter, trace.WithBatchTimeout(5*time.Second)),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(sampleFraction)),
	)
	otel.SetTracerProvider(p.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	p.tracer = otel.Tracer(p.cfg.ServiceName)

	if p.logger != nil {
		p.logger.WithFields(logrus.Fields{
			"component":    "telemetry",
			"service_name": p.cfg.ServiceName,
			"endpoint":     p.cfg.OTLPEndpoint,
		}).Info("telemetry initialized")
	}
	return nil
}

// Tracer returns the operation tracer.
func (p *Provider) Tracer() oteltrace.Tracer {
	return p.tracer
}

// StartSpan is a convenience wrapper around tracer.Start:
// ctx, span := telemetry.StartSpan(ctx, tracer, "ingest").
func StartSpan(ctx context.Context, tracer oteltrace.Tracer, name string) (context.Context, oteltrace.Span) {
	return tracer.Start(ctx, name)
}

// Shutdown flushes and stops the tracer provider, a no-op when disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

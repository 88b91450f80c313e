// Package telemetry wires OpenTelemetry tracing and the ledger's counters.
// With telemetry disabled every instrument is backed by the global no-op
// providers, so callers never need nil checks.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/javajoker/imi-ledger/internal/config"
)

const instrumentationName = "github.com/javajoker/imi-ledger"

type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer

	events      metric.Int64Counter
	anomalies   metric.Int64Counter
	conflicts   metric.Int64Counter
	transitions metric.Int64Counter
	duration    metric.Float64Histogram
}

// Setup builds exporters when telemetry is enabled and always returns a
// usable Provider.
func Setup(ctx context.Context, cfg config.TelemetryConfig, environment string) (*Provider, error) {
	p := &Provider{}

	if cfg.Enabled {
		res, err := resource.New(ctx,
			resource.WithTelemetrySDK(),
			resource.WithAttributes(
				semconv.ServiceName(cfg.ServiceName),
				semconv.DeploymentEnvironment(environment),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}

		traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
			metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
		}

		traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		p.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(5*time.Second)),
		)
		otel.SetTracerProvider(p.tracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))

		metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		p.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))),
		)
		otel.SetMeterProvider(p.meterProvider)

		logrus.WithFields(logrus.Fields{
			"service":  cfg.ServiceName,
			"endpoint": cfg.OTLPEndpoint,
		}).Info("Telemetry initialized")
	}

	if err := p.initInstruments(otel.Meter(instrumentationName)); err != nil {
		return nil, err
	}
	p.tracer = otel.Tracer(instrumentationName)
	return p, nil
}

// NewNop returns a Provider backed by the global providers without
// installing exporters.
func NewNop() *Provider {
	p := &Provider{tracer: otel.Tracer(instrumentationName)}
	_ = p.initInstruments(otel.Meter(instrumentationName))
	return p
}

func (p *Provider) initInstruments(meter metric.Meter) error {
	var err error
	if p.events, err = meter.Int64Counter("ledger.provider_events.total",
		metric.WithDescription("Provider events by provider and disposition"),
		metric.WithUnit("{event}")); err != nil {
		return err
	}
	if p.anomalies, err = meter.Int64Counter("ledger.anomalies.total",
		metric.WithDescription("Payment anomalies by kind"),
		metric.WithUnit("{anomaly}")); err != nil {
		return err
	}
	if p.conflicts, err = meter.Int64Counter("ledger.financial_conflicts.total",
		metric.WithDescription("Rejected conditional ledger updates"),
		metric.WithUnit("{conflict}")); err != nil {
		return err
	}
	if p.transitions, err = meter.Int64Counter("ledger.transitions.total",
		metric.WithDescription("Applied ledger state transitions"),
		metric.WithUnit("{transition}")); err != nil {
		return err
	}
	if p.duration, err = meter.Float64Histogram("ledger.operation.duration",
		metric.WithDescription("Ledger operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)); err != nil {
		return err
	}
	return nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			logrus.WithError(err).Error("Failed to shut down trace provider")
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			logrus.WithError(err).Error("Failed to shut down metric provider")
		}
	}
	return nil
}

func (p *Provider) RecordEvent(ctx context.Context, provider, disposition string) {
	p.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("disposition", disposition),
	))
}

func (p *Provider) RecordAnomaly(ctx context.Context, kind string) {
	p.anomalies.Add(ctx, 1, metric.WithAttributes(attribute.String("anomaly", kind)))
}

func (p *Provider) RecordConflict(ctx context.Context, resource string) {
	p.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", resource)))
}

func (p *Provider) RecordTransition(ctx context.Context, entity, to string) {
	p.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("to", to),
	))
}

// Track starts a span for a ledger operation. The returned func ends it and
// records the duration; pass the operation's error.
func (p *Provider) Track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("operation", name)))
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

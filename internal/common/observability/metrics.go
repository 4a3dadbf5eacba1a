package observability

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

type Observability struct {
	meterProvider  *metric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          otelmetric.Meter
	serviceName    string

	conversationCounter  otelmetric.Int64Counter
	conversationDuration otelmetric.Float64Histogram
	jobCounter           otelmetric.Int64Counter
	jobDuration          otelmetric.Float64Histogram
}

// New wires an OpenTelemetry meter provider backed by the Prometheus exporter.
// When jaegerEndpoint is non-empty traces are exported there as well;
// otherwise the global no-op tracer stays in place.
func New(serviceName, jaegerEndpoint string) *Observability {
	o := &Observability{serviceName: serviceName}

	if jaegerEndpoint != "" {
		tp, err := newTracerProvider(serviceName, jaegerEndpoint)
		if err != nil {
			log.Printf("Failed to create Jaeger exporter: %v", err)
		} else {
			otel.SetTracerProvider(tp)
			o.tracerProvider = tp
		}
	}

	exporter, err := prometheus.New()
	if err != nil {
		log.Printf("Failed to create Prometheus exporter: %v", err)
		return o
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	conversationCounter, _ := meter.Int64Counter(
		"conversations.completed",
		otelmetric.WithDescription("Number of conversations completed"),
	)

	conversationDuration, _ := meter.Float64Histogram(
		"conversations.duration",
		otelmetric.WithDescription("Conversation duration"),
		otelmetric.WithUnit("ms"),
	)

	jobCounter, _ := meter.Int64Counter(
		"jobs.processed",
		otelmetric.WithDescription("Number of jobs processed"),
	)

	jobDuration, _ := meter.Float64Histogram(
		"jobs.duration",
		otelmetric.WithDescription("Job processing duration"),
		otelmetric.WithUnit("ms"),
	)

	o.meterProvider = provider
	o.meter = meter
	o.conversationCounter = conversationCounter
	o.conversationDuration = conversationDuration
	o.jobCounter = jobCounter
	o.jobDuration = jobDuration
	return o
}

// Tracer returns a named tracer from the global provider.
func (o *Observability) Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

func (o *Observability) RecordConversation(ctx context.Context, outcome string, turns int, duration time.Duration) {
	attrs := otelmetric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("turns", turns),
	)
	if o.conversationCounter != nil {
		o.conversationCounter.Add(ctx, 1, attrs)
	}
	if o.conversationDuration != nil {
		o.conversationDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
}

func (o *Observability) RecordJobProcessed(ctx context.Context, status string) {
	if o.jobCounter != nil {
		o.jobCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("status", status),
		))
	}
}

func (o *Observability) RecordJobDuration(ctx context.Context, duration time.Duration, status string) {
	if o.jobDuration != nil {
		o.jobDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
			attribute.String("status", status),
		))
	}
}

func (o *Observability) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if o.tracerProvider != nil {
		_ = o.tracerProvider.Shutdown(ctx)
	}
	if o.meterProvider != nil {
		_ = o.meterProvider.Shutdown(ctx)
	}
}

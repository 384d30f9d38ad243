// Package tracing configures the OpenTelemetry tracer provider backed by an
// OTLP gRPC collector. Spans cover the chat routing and broker publish paths.
package tracing

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// InitTracer initializes the global OpenTelemetry tracer provider and
// propagators. nodeID distinguishes instances of the same service in a
// multi-node deployment. The caller owns shutdown of the returned provider.
func InitTracer(ctx context.Context, serviceName, nodeID, collectorAddr string) (*sdktrace.TracerProvider, error) {
	exporter, err := newExporter(ctx, collectorAddr)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
			semconv.ServiceInstanceID(nodeID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio()))),
	)
	otel.SetTracerProvider(tp)

	// W3C TraceContext plus Baggage, so upstream gateways can join traces.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// newExporter dials the collector over TLS and builds the OTLP exporter.
func newExporter(ctx context.Context, collectorAddr string) (*otlptrace.Exporter, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	// Allow insecure skip verify for development if explicitly enabled
	if os.Getenv("OTEL_INSECURE_SKIP_VERIFY") == "true" {
		tlsConfig.InsecureSkipVerify = true
	}

	conn, err := grpc.NewClient(collectorAddr, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client to collector: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	return exporter, nil
}

// sampleRatio reads OTEL_TRACE_SAMPLE_RATIO. Chat fanout makes full sampling
// expensive under load; operators dial it down without a rebuild. Defaults to
// sampling everything.
func sampleRatio() float64 {
	raw := os.Getenv("OTEL_TRACE_SAMPLE_RATIO")
	if raw == "" {
		return 1.0
	}
	ratio, err := strconv.ParseFloat(raw, 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return 1.0
	}
	return ratio
}

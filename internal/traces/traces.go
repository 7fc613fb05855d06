// Package traces provides OpenTelemetry tracing for the escrow engine.
// Without an OTLP endpoint configured it is a no-op.
package traces

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/parcelmarket/escrowd"

// Init configures the global tracer provider. When endpoint is empty it
// leaves the default no-op provider in place and the returned shutdown
// function does nothing.
func Init(ctx context.Context, endpoint, serviceName, env string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := sdkresource.New(ctx,
		sdkresource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("deployment.environment", env),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// StartSpan starts a span from the global tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// Attribute helpers shared by the escrow and dispute services.

func EscrowID(id string) attribute.KeyValue    { return attribute.String("escrow.id", id) }
func OrderID(id string) attribute.KeyValue     { return attribute.String("escrow.order_id", id) }
func DisputeID(id string) attribute.KeyValue   { return attribute.String("dispute.id", id) }
func Wallet(addr string) attribute.KeyValue    { return attribute.String("wallet.address", addr) }
func Amount(amount string) attribute.KeyValue  { return attribute.String("escrow.amount", amount) }
func Winner(side string) attribute.KeyValue    { return attribute.String("dispute.winner", side) }
func Processed(n int) attribute.KeyValue       { return attribute.Int("sweep.processed", n) }
func Backend(name string) attribute.KeyValue   { return attribute.String("settlement.backend", name) }

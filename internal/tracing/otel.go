// Package tracing wires the adapter's OTel spans: one per prompt turn,
// per backend spawn and per permission round trip, exported over
// OTLP/HTTP.
//
// Activation is driven entirely by the environment. Without
// OTEL_EXPORTER_OTLP_ENDPOINT every helper runs against a no-op tracer
// and costs nothing.
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultService = "amp-acp"

var setup struct {
	once     sync.Once
	provider trace.TracerProvider
	sdk      *sdktrace.TracerProvider
}

// Tracer returns a named tracer, building the provider on first use.
// No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	setup.once.Do(func() {
		setup.provider = noop.NewTracerProvider()
		endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		if endpoint == "" {
			return
		}
		sdk, err := newProvider(context.Background(), endpoint)
		if err != nil {
			return
		}
		setup.sdk = sdk
		setup.provider = sdk
		otel.SetTracerProvider(sdk)
	})
	return setup.provider.Tracer(name)
}

// Shutdown flushes pending spans. A no-op provider has nothing to flush.
func Shutdown(ctx context.Context) error {
	if setup.sdk == nil {
		return nil
	}
	return setup.sdk.Shutdown(ctx)
}

func newProvider(ctx context.Context, endpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName()),
	))
	if err != nil {
		res = resource.Default()
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// serviceName honors the standard OTEL_SERVICE_NAME override, so one
// host running several adapters can tell their spans apart.
func serviceName() string {
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		return name
	}
	return defaultService
}

// endpointHost strips the scheme, which otlptracehttp does not accept.
func endpointHost(endpoint string) string {
	for _, scheme := range []string{"https://", "http://"} {
		if rest, ok := strings.CutPrefix(endpoint, scheme); ok {
			return rest
		}
	}
	return endpoint
}

package monitoring

import (
	"context"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
)

type TracingConfig struct {
	// OTLP/HTTP collector. E.g., "http://localhost:4318"
	Endpoint string

	ServiceName    string
	ServiceVersion string
	Headers        map[string]string
}

// NewTracerProvider exports spans to the configured OTLP collector and
// installs itself as the global tracer provider. The returned function
// flushes and stops the exporter.
func NewTracerProvider(ctx context.Context, config TracingConfig, logger *zap.SugaredLogger) (func(context.Context) error, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("OpenTelemetry endpoint is required")
	}
	endpoint, err := url.Parse(config.Endpoint)
	if err != nil || endpoint.Host == "" {
		return nil, fmt.Errorf("invalid OpenTelemetry endpoint: %s", config.Endpoint)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %v", err)
	}

	options := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint.Host),
		otlptracehttp.WithHeaders(config.Headers),
	}
	if endpoint.Scheme == "http" {
		options = append(options, otlptracehttp.WithInsecure())
	}
	if endpoint.Path != "" && endpoint.Path != "/" {
		options = append(options, otlptracehttp.WithURLPath(endpoint.Path))
	}

	exporter, err := otlptracehttp.New(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %v", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tracerProvider)

	logger.Infow("Tracing enabled", "endpoint", config.Endpoint, "service", config.ServiceName)
	return tracerProvider.Shutdown, nil
}

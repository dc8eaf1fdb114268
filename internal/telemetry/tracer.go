// Package telemetry configures OpenTelemetry tracing.
package telemetry

import (
	"context"
	"io"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"

	"github.com/sells-group/linkresolver/internal/config"
)

// InitTracer installs a global tracer provider that writes spans to w (a
// development exporter). It returns the provider's shutdown function. When
// tracing is disabled the global no-op provider is left in place.
func InitTracer(cfg config.TelemetryConfig, w io.Writer) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: create exporter")
	}

	name := cfg.ServiceName
	if name == "" {
		name = "linkresolver"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", semconv.ServiceName(name)),
	)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: build resource")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	zap.L().Info("telemetry: tracing enabled", zap.String("service", name))
	return tp.Shutdown, nil
}

// Package telemetry configures OpenTelemetry tracing for the daemon.
package telemetry

import (
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

type Options struct {
	ServiceName string
	Profile     string
	// Stdout exports finished spans as JSON to Writer (os.Stderr if nil).
	Stdout bool
	Writer io.Writer
}

// Provider owns the SDK tracer provider.
type Provider struct {
	*sdktrace.TracerProvider
}

// New builds a tracer provider and installs it globally. Without an exporter
// spans are still created so trace ids propagate, but nothing is written.
func New(opts Options, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := strings.TrimSpace(opts.ServiceName)
	if name == "" {
		name = "outpostd"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", name),
		attribute.String("outpost.profile", opts.Profile),
	)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	}
	if opts.Stdout {
		w := opts.Writer
		if w == nil {
			w = os.Stderr
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, err
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)))
		logger.Info("tracing to stdout exporter")
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{TracerProvider: tp}, nil
}

// Package otel wires OpenTelemetry tracing for chatveil processes.
package otel

import (
	"context"
	"strings"

	"github.com/louisbranch/chatveil/internal/platform/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	// EnvEndpoint names the OTLP HTTP endpoint; empty disables tracing.
	EnvEndpoint = config.EnvPrefix + "OTEL_ENDPOINT"
	// EnvEnabled disables tracing when set to "false".
	EnvEnabled = config.EnvPrefix + "OTEL_ENABLED"
	// EnvSampleAll forces every span to be sampled when "true". Otherwise
	// the provider follows the parent decision with a 10% root ratio, as
	// interception spans are emitted per chat packet.
	EnvSampleAll = config.EnvPrefix + "OTEL_SAMPLE_ALL"
)

type settings struct {
	Endpoint  string `env:"OTEL_ENDPOINT"`
	Enabled   string `env:"OTEL_ENABLED"`
	SampleAll string `env:"OTEL_SAMPLE_ALL"`
}

func (s settings) disabled() bool {
	return strings.EqualFold(strings.TrimSpace(s.Enabled), "false") || strings.TrimSpace(s.Endpoint) == ""
}

// Setup initialises OpenTelemetry tracing for the given service.
//
// Tracing is opt-in: when CHATVEIL_OTEL_ENDPOINT is empty or
// CHATVEIL_OTEL_ENABLED is "false", Setup returns a no-op shutdown function
// and no global provider is registered.
//
// The returned shutdown function flushes pending spans and should be deferred
// by the caller.
func Setup(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	var cfg settings
	if err := config.ParseEnv(&cfg); err != nil {
		return noop, err
	}
	if cfg.disabled() {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(strings.TrimSpace(cfg.Endpoint)),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

func (s settings) sampler() sdktrace.Sampler {
	if strings.EqualFold(strings.TrimSpace(s.SampleAll), "true") {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))
}

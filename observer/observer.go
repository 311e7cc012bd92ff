// Package observer provides OTEL-based observability for the carapace
// host.
//
// Init wires trace, metric, and log providers with OTLP HTTP exporters;
// the adapters in this package satisfy the metrics interfaces the
// engine exposes. Users export to any OTEL-compatible backend by
// setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/carapacehq/carapace/observer"

// Instruments holds all OTEL instruments used by the adapters.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	Requests           metric.Int64Counter
	RequestFailures    metric.Int64Counter
	ContainerStarts    metric.Int64Counter
	ContainerStops     metric.Int64Counter
	TriggerSheds       metric.Int64Counter
	PluginLoadFailures metric.Int64Counter

	// Histograms
	RequestDuration metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("carapace")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	requests, err := meter.Int64Counter("carapace.requests",
		metric.WithDescription("Tool requests handled"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	requestFailures, err := meter.Int64Counter("carapace.request.failures",
		metric.WithDescription("Tool requests ending in an error response"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	containerStarts, err := meter.Int64Counter("carapace.container.starts",
		metric.WithDescription("Containers started"),
		metric.WithUnit("{container}"))
	if err != nil {
		return nil, err
	}

	containerStops, err := meter.Int64Counter("carapace.container.stops",
		metric.WithDescription("Containers reaped"),
		metric.WithUnit("{container}"))
	if err != nil {
		return nil, err
	}

	triggerSheds, err := meter.Int64Counter("carapace.trigger.sheds",
		metric.WithDescription("Inbound triggers shed from a full queue"),
		metric.WithUnit("{trigger}"))
	if err != nil {
		return nil, err
	}

	pluginLoadFailures, err := meter.Int64Counter("carapace.plugin.load_failures",
		metric.WithDescription("Plugin bundles that failed to load"),
		metric.WithUnit("{plugin}"))
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram("carapace.request.duration",
		metric.WithDescription("Request time from parse to response"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:             tracer,
		Meter:              meter,
		Logger:             logger,
		Requests:           requests,
		RequestFailures:    requestFailures,
		ContainerStarts:    containerStarts,
		ContainerStops:     containerStops,
		TriggerSheds:       triggerSheds,
		PluginLoadFailures: pluginLoadFailures,
		RequestDuration:    requestDuration,
	}, nil
}

package otel

import (
	"context"

	usotel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewMeterProvider builds the SDK meter provider, installs it as the global
// one and shuts it down with the app, which flushes pending metrics.
func NewMeterProvider(lc fx.Lifecycle, cfg Config, res *resource.Resource, log *zap.Logger) (*sdkmetric.MeterProvider, error) {
	exporter, err := NewMetricExporter(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if exporter != nil {
		reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.Metrics.Interval))
		opts = append(opts, sdkmetric.WithReader(reader))
		logger(log).Info("exporting metrics",
			zap.String("endpoint", cfg.OTLP.Endpoint),
			zap.String("protocol", cfg.OTLP.Protocol),
			zap.Duration("interval", cfg.Metrics.Interval),
		)
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	usotel.SetMeterProvider(mp)
	lc.Append(fx.Hook{OnStop: mp.Shutdown})
	return mp, nil
}

// NewTracerProvider is the tracing counterpart of NewMeterProvider. Spans
// are batched and sampled by trace id ratio unless the parent decided.
func NewTracerProvider(lc fx.Lifecycle, cfg Config, res *resource.Resource, log *zap.Logger) (*sdktrace.TracerProvider, error) {
	exporter, err := NewTraceExporter(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Traces.SampleRatio))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger(log).Info("exporting traces",
			zap.String("endpoint", cfg.OTLP.Endpoint),
			zap.String("protocol", cfg.OTLP.Protocol),
		)
	}
	tp := sdktrace.NewTracerProvider(opts...)
	usotel.SetTracerProvider(tp)
	lc.Append(fx.Hook{OnStop: tp.Shutdown})
	return tp, nil
}

func logger(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log.Named("otel")
}

package realtime

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/bronystylecrazy/topicmux/realtime"

const (
	MetricDispatchMessages        = "topicmux.dispatch.messages"
	MetricDispatchHandlerFailures = "topicmux.dispatch.handler_failures"
	MetricDispatchDuration        = "topicmux.dispatch.duration"
	MetricInboxDropped            = "topicmux.inbox.dropped"
)

// Metrics holds the instruments recorded around dispatch.
type Metrics struct {
	messages metric.Int64Counter
	failures metric.Int64Counter
	dropped  metric.Int64Counter
	duration metric.Float64Histogram
	tracer   trace.Tracer
}

func NewMetrics(mp metric.MeterProvider, tp trace.TracerProvider) (*Metrics, error) {
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	meter := mp.Meter(instrumentationName)

	messages, err := meter.Int64Counter(MetricDispatchMessages,
		metric.WithDescription("Inbound messages dispatched to topic handlers."),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter(MetricDispatchHandlerFailures,
		metric.WithDescription("Handler invocations that failed to decode or returned an error."),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter(MetricInboxDropped,
		metric.WithDescription("Inbound messages dropped because the inbox was full."),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(MetricDispatchDuration,
		metric.WithDescription("Time spent dispatching one message to all matching handlers."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		messages: messages,
		failures: failures,
		dropped:  dropped,
		duration: duration,
		tracer:   tp.Tracer(instrumentationName),
	}, nil
}

func NopMetrics() *Metrics {
	m, _ := NewMetrics(metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider())
	return m
}

func (m *Metrics) startDispatch(ctx context.Context, topic string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "realtime.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.destination.name", topic)),
	)
}

func (m *Metrics) recordDispatch(ctx context.Context, span trace.Span, out Outcome, elapsed time.Duration) {
	matched := attribute.Bool("matched", out.Matched > 0)
	m.messages.Add(ctx, 1, metric.WithAttributes(matched))
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(matched))

	span.SetAttributes(
		attribute.Int("topicmux.handlers.matched", out.Matched),
		attribute.Int("topicmux.handlers.delivered", out.Delivered),
	)
	if len(out.Failures) == 0 {
		return
	}
	for _, f := range out.Failures {
		m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("filter", f.Filter)))
	}
	span.RecordError(out.Err())
	span.SetStatus(codes.Error, "handler failures")
}

func (m *Metrics) recordDrop(ctx context.Context, n int64) {
	m.dropped.Add(ctx, n)
}

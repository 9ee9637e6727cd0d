package otel

import (
	"github.com/bronystylecrazy/topicmux/config"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

var ModuleName = "topicmux/otel"

// Module provides SDK meter and tracer providers from the "otel" config key,
// also as the metric.MeterProvider and trace.TracerProvider interfaces that
// the realtime module picks up.
func Module(opts ...config.Option) fx.Option {
	return fx.Module(ModuleName,
		config.Provide[Config]("otel", opts...),
		fx.Provide(
			NewResource,
			fx.Annotate(NewMeterProvider,
				fx.ParamTags(``, ``, ``, `optional:"true"`),
				fx.As(fx.Self()),
				fx.As(new(metric.MeterProvider)),
			),
			fx.Annotate(NewTracerProvider,
				fx.ParamTags(``, ``, ``, `optional:"true"`),
				fx.As(fx.Self()),
				fx.As(new(trace.TracerProvider)),
			),
		),
	)
}

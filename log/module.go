package log

import (
	"github.com/bronystylecrazy/topicmux/config"
	"github.com/bronystylecrazy/topicmux/meta"
	"go.uber.org/fx"
)

var ModuleName = "topicmux/log"

// Module provides *zap.Logger and *slog.Logger from the "log" config key and
// routes fx events through zap. Development builds default to debug level.
func Module(opts ...config.Option) fx.Option {
	if meta.IsDevelopment() {
		opts = append([]config.Option{config.WithDefault("log.level", "debug")}, opts...)
	}
	return fx.Module(ModuleName,
		config.Provide[Config]("log", opts...),
		fx.Provide(NewZapLogger, NewSlog),
		fx.WithLogger(NewEventLogger),
	)
}

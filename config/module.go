package config

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Provide registers a constructor for T loaded from key.
func Provide[T any](key string, opts ...Option) fx.Option {
	s := newState(opts)
	out := []fx.Option{
		fx.Provide(func() (T, error) {
			return Load[T](key, opts...)
		}),
	}
	if s.watch && s.sourceFile != "" {
		out = append(out, fx.Invoke(fx.Annotate(func(logger *zap.Logger) error {
			var target T
			v, err := load(s, &target, key)
			if err != nil {
				return err
			}
			installWatch(v, key, s.debounce, logger)
			return nil
		}, fx.ParamTags(`optional:"true"`))))
	}
	return fx.Options(out...)
}

func installWatch(v *viper.Viper, key string, debounce time.Duration, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	last := snapshot(v, key)
	var timer *time.Timer
	send := func() {
		logger.Info("config changed", zap.String("key", key), zap.String("file", v.ConfigFileUsed()))
	}
	v.OnConfigChange(func(_ fsnotify.Event) {
		next := snapshot(v, key)
		if next == last {
			return
		}
		last = next
		if debounce <= 0 {
			send()
			return
		}
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, send)
	})
	v.WatchConfig()
}

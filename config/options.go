package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, so realtime.broker.mode
// is read from TOPICMUX_REALTIME_BROKER_MODE.
const EnvPrefix = "TOPICMUX"

type Option func(*state)

type state struct {
	sourceFile   string
	configType   string
	envPrefix    string
	keyReplacer  *strings.Replacer
	automaticEnv bool
	optional     bool
	defaults     map[string]any
	hooks        []func(*viper.Viper) error
	watch        bool
	debounce     time.Duration
}

func newState(opts []Option) state {
	s := state{
		envPrefix:    EnvPrefix,
		keyReplacer:  strings.NewReplacer(".", "_", "-", "_"),
		automaticEnv: true,
		optional:     true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// WithSourceFile reads path in addition to defaults and env. The format is
// taken from the extension unless WithType is given.
func WithSourceFile(path string) Option {
	return func(s *state) { s.sourceFile = path }
}

func WithType(kind string) Option {
	return func(s *state) { s.configType = kind }
}

// WithRequired fails loading when the source file does not exist.
func WithRequired() Option {
	return func(s *state) { s.optional = false }
}

func WithEnvPrefix(prefix string) Option {
	return func(s *state) { s.envPrefix = prefix }
}

func WithNoEnv() Option {
	return func(s *state) {
		s.automaticEnv = false
		s.envPrefix = ""
	}
}

func WithDefault(key string, value any) Option {
	return func(s *state) {
		if s.defaults == nil {
			s.defaults = map[string]any{}
		}
		s.defaults[key] = value
	}
}

func WithViper(fn func(*viper.Viper) error) Option {
	return func(s *state) {
		if fn != nil {
			s.hooks = append(s.hooks, fn)
		}
	}
}

// WithWatch logs when the source file changes on disk. Values already
// handed out are not reloaded.
func WithWatch(debounce time.Duration) Option {
	return func(s *state) {
		s.watch = true
		s.debounce = debounce
	}
}

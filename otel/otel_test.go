package otel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bronystylecrazy/topicmux/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

type collector struct {
	mu    sync.Mutex
	paths map[string]int
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.paths[r.URL.Path]++
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *collector) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paths[path]
}

func TestModuleDisabledByDefault(t *testing.T) {
	var (
		mp metric.MeterProvider
		tp trace.TracerProvider
	)
	app := fxtest.New(t,
		Module(config.WithNoEnv()),
		fx.Populate(&mp, &tp),
	)
	app.RequireStart()

	require.NotNil(t, mp)
	require.NotNil(t, tp)
	counter, err := mp.Meter("test").Int64Counter("noop")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	_, span := tp.Tracer("test").Start(context.Background(), "noop")
	span.End()

	app.RequireStop()
}

func TestModuleExportsOverHTTP(t *testing.T) {
	sink := &collector{paths: map[string]int{}}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	var (
		mp metric.MeterProvider
		tp trace.TracerProvider
	)
	app := fxtest.New(t,
		Module(
			config.WithNoEnv(),
			config.WithDefault("otel.enabled", true),
			config.WithDefault("otel.otlp.endpoint", srv.URL),
			config.WithDefault("otel.otlp.compression", "none"),
		),
		fx.Populate(&mp, &tp),
	)
	app.RequireStart()

	counter, err := mp.Meter("test").Int64Counter("messages")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)
	_, span := tp.Tracer("test").Start(context.Background(), "dispatch")
	span.End()

	// Shutdown flushes both providers.
	app.RequireStop()

	assert.GreaterOrEqual(t, sink.count("/v1/metrics"), 1)
	assert.GreaterOrEqual(t, sink.count("/v1/traces"), 1)
}

func TestConfigRejectsUnknownProtocol(t *testing.T) {
	_, err := config.Load[Config]("otel",
		config.WithNoEnv(),
		config.WithDefault("otel.otlp.protocol", "carrier-pigeon"),
	)
	require.ErrorIs(t, err, config.ErrValidation)
}

func TestOTLPTarget(t *testing.T) {
	tests := []struct {
		endpoint string
		insecure bool
		host     string
		path     string
		plain    bool
	}{
		{"localhost:4318", false, "localhost:4318", "", false},
		{"localhost:4318", true, "localhost:4318", "", true},
		{"http://collector:4318", false, "collector:4318", "", true},
		{"https://collector:4318/otlp/", false, "collector:4318", "/otlp", false},
		{"collector:4317/", false, "collector:4317", "", false},
	}
	for _, tt := range tests {
		host, path, plain := OTLPConfig{Endpoint: tt.endpoint, Insecure: tt.insecure}.target()
		if host != tt.host || path != tt.path || plain != tt.plain {
			t.Fatalf("target(%q, insecure=%v) = %q %q %v, want %q %q %v",
				tt.endpoint, tt.insecure, host, path, plain, tt.host, tt.path, tt.plain)
		}
	}
}

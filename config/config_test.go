package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

type brokerConfig struct {
	Mode           string        `mapstructure:"mode" default:"embedded" validate:"oneof=embedded external redis"`
	Endpoint       string        `mapstructure:"endpoint"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" default:"10s"`
}

type dispatchConfig struct {
	Workers      int      `mapstructure:"workers" default:"1" validate:"gte=1"`
	DropWhenFull bool     `mapstructure:"drop_when_full" default:"false"`
	Filters      []string `mapstructure:"filters"`
}

type testConfig struct {
	Broker   brokerConfig   `mapstructure:"broker"`
	Dispatch dispatchConfig `mapstructure:"dispatch"`
}

func TestLoadAppliesTagDefaults(t *testing.T) {
	out, err := Load[testConfig]("realtime", WithNoEnv())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if out.Broker.Mode != "embedded" {
		t.Fatalf("expected default mode, got %q", out.Broker.Mode)
	}
	if out.Broker.ConnectTimeout != 10*time.Second {
		t.Fatalf("expected default timeout, got %s", out.Broker.ConnectTimeout)
	}
	if out.Dispatch.Workers != 1 {
		t.Fatalf("expected one worker, got %d", out.Dispatch.Workers)
	}
}

func TestLoadReadsFromEnv(t *testing.T) {
	t.Setenv("TOPICMUX_REALTIME_BROKER_MODE", "external")
	t.Setenv("TOPICMUX_REALTIME_BROKER_ENDPOINT", "tcp://broker:1883")
	t.Setenv("TOPICMUX_REALTIME_DISPATCH_WORKERS", "4")
	t.Setenv("TOPICMUX_REALTIME_DISPATCH_DROP_WHEN_FULL", "true")
	t.Setenv("TOPICMUX_REALTIME_DISPATCH_FILTERS", "a/#,b/+")

	out, err := Load[testConfig]("realtime")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if out.Broker.Mode != "external" || out.Broker.Endpoint != "tcp://broker:1883" {
		t.Fatalf("expected broker from env, got %+v", out.Broker)
	}
	if out.Dispatch.Workers != 4 || !out.Dispatch.DropWhenFull {
		t.Fatalf("expected dispatch from env, got %+v", out.Dispatch)
	}
	if len(out.Dispatch.Filters) != 2 || out.Dispatch.Filters[1] != "b/+" {
		t.Fatalf("expected filters from env, got %v", out.Dispatch.Filters)
	}
}

func TestLoadReadsFromTomlAndEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := []byte("[realtime.broker]\nmode = \"redis\"\nconnect_timeout = \"3s\"\n\n[realtime.dispatch]\nworkers = 2\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("TOPICMUX_REALTIME_DISPATCH_WORKERS", "8")

	out, err := Load[testConfig]("realtime", WithSourceFile(path))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if out.Broker.Mode != "redis" {
		t.Fatalf("expected mode from file, got %q", out.Broker.Mode)
	}
	if out.Broker.ConnectTimeout != 3*time.Second {
		t.Fatalf("expected timeout from file, got %s", out.Broker.ConnectTimeout)
	}
	if out.Dispatch.Workers != 8 {
		t.Fatalf("expected env to override file, got %d", out.Dispatch.Workers)
	}
}

func TestLoadStripsByteOrderMark(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := append([]byte{0xEF, 0xBB, 0xBF}, []byte("realtime:\n  broker:\n    mode: external\n")...)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	out, err := Load[testConfig]("realtime", WithSourceFile(path), WithNoEnv())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if out.Broker.Mode != "external" {
		t.Fatalf("expected mode from yaml, got %q", out.Broker.Mode)
	}
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")

	if _, err := Load[testConfig]("realtime", WithSourceFile(path), WithNoEnv()); err != nil {
		t.Fatalf("optional file should not fail: %v", err)
	}
	if _, err := Load[testConfig]("realtime", WithSourceFile(path), WithRequired(), WithNoEnv()); err == nil {
		t.Fatal("expected error for required missing file")
	}
}

func TestLoadValidates(t *testing.T) {
	t.Setenv("TOPICMUX_REALTIME_BROKER_MODE", "carrier-pigeon")

	_, err := Load[testConfig]("realtime")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoadWithDefaultOption(t *testing.T) {
	out, err := Load[testConfig]("realtime", WithNoEnv(), WithDefault("realtime.broker.endpoint", "tcp://fallback:1883"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if out.Broker.Endpoint != "tcp://fallback:1883" {
		t.Fatalf("expected endpoint from option default, got %q", out.Broker.Endpoint)
	}
}

func TestProvide(t *testing.T) {
	var out testConfig
	app := fxtest.New(t,
		Provide[testConfig]("realtime", WithNoEnv()),
		fx.Populate(&out),
	)
	app.RequireStart()
	app.RequireStop()

	if out.Broker.Mode != "embedded" {
		t.Fatalf("expected provided config, got %+v", out)
	}
}

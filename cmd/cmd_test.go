package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bronystylecrazy/topicmux/config"
	"github.com/bronystylecrazy/topicmux/meta"
	"github.com/bronystylecrazy/topicmux/realtime"
	usmqtt "github.com/bronystylecrazy/topicmux/realtime/mqtt"
	"github.com/bronystylecrazy/topicmux/realtime/rd"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

type fakeCommand struct {
	use string
	ran *bool
}

func (f fakeCommand) Command() *cobra.Command {
	return &cobra.Command{
		Use: f.use,
		RunE: func(*cobra.Command, []string) error {
			*f.ran = true
			return nil
		},
	}
}

func run(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Start(context.Background())
	return out.String(), err
}

func TestRegisterNestedCommands(t *testing.T) {
	var ran bool
	root := New(nil)
	require.NoError(t, root.Register(fakeCommand{use: "broker inspect [filter]", ran: &ran}))

	broker, _, err := root.Find([]string{"broker"})
	require.NoError(t, err)
	assert.Equal(t, "broker", broker.Name())

	_, err = run(t, root, "broker", "inspect", "a/#")
	require.NoError(t, err)
	assert.True(t, ran)

	assert.ErrorIs(t, root.RegisterOne(nil), ErrNilCommand)
}

func TestSplitUse(t *testing.T) {
	path, args := splitUse("user list [flags]")
	assert.Equal(t, []string{"user", "list"}, path)
	assert.Equal(t, []string{"[flags]"}, args)

	path, args = splitUse(" publish <topic>")
	assert.Equal(t, []string{"publish"}, path)
	assert.Equal(t, []string{"<topic>"}, args)

	path, _ = splitUse("  ")
	assert.Empty(t, path)
}

func TestRegisterRejectsEmptyUse(t *testing.T) {
	root := New(nil)
	err := root.RegisterOne(fakeCommand{use: "[flags]"})
	assert.ErrorIs(t, err, ErrEmptyCommand)
}

func TestVersionCommand(t *testing.T) {
	root := New(nil)
	require.NoError(t, root.Register(NewVersionCommand()))

	out, err := run(t, root, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, meta.Name+"\n"), out)
	assert.Contains(t, out, meta.NilVersion)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestPublishValidatesInput(t *testing.T) {
	cases := map[string][]string{
		"wildcard topic": {"publish", "--topic", "a/+"},
		"bad qos":        {"publish", "--topic", "a", "--qos", "3"},
		"missing topic":  {"publish"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			root := New(nil)
			require.NoError(t, root.Register(NewPublishCommand()))
			_, err := run(t, root, args...)
			assert.Error(t, err)
		})
	}

	root := New(nil)
	require.NoError(t, root.Register(NewPublishCommand()))
	_, err := run(t, root, "publish", "--topic", "a", "--config", filepath.Join(t.TempDir(), "none.toml"))
	assert.ErrorIs(t, err, ErrPublishEmbedded)
}

func TestPublishThroughRedis(t *testing.T) {
	path := writeConfig(t, `
realtime:
  broker:
    mode: redis
    redis:
      in_memory: true
`)
	cfg, err := config.Load[realtime.Config]("realtime", config.WithSourceFile(path), config.WithNoEnv())
	require.NoError(t, err)

	listener, err := rd.NewGatewayFromConfig(cfg.Broker.Redis)
	require.NoError(t, err)
	got := make(chan string, 16)
	listener.SetReceiver(func(topic string, payload []byte) {
		select {
		case got <- topic + "=" + string(payload):
		default:
		}
	})
	ctx := context.Background()
	require.NoError(t, listener.Start(ctx))
	defer listener.Stop(ctx)
	require.NoError(t, listener.Subscribe(ctx, "cli/+"))

	require.Eventually(t, func() bool {
		root := New(nil)
		if err := root.Register(NewPublishCommand()); err != nil {
			return false
		}
		out, err := run(t, root, "publish", "-c", path, "-t", "cli/1", "-p", "on")
		if err != nil || !strings.Contains(out, "published 2 bytes to cli/1") {
			return false
		}
		select {
		case v := <-got:
			return v == "cli/1=on"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServeOptionsStartEmbeddedApp(t *testing.T) {
	var p *realtime.PubSub
	var gw usmqtt.Gateway
	var mp metric.MeterProvider
	s := NewServeCommand(fx.Populate(&p, &gw, &mp))

	opts := s.Options(filepath.Join(t.TempDir(), "missing.toml"), []string{"watch/#"})
	app := fxtest.New(t, opts...)
	app.RequireStart()
	defer app.RequireStop()

	assert.Equal(t, []string{"watch/#"}, p.Filters())
	require.NoError(t, p.Publish(context.Background(), "watch/1", []byte("x")))
	assert.IsType(t, &sdkmetric.MeterProvider{}, mp)
}

package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/bronystylecrazy/topicmux/config"
	usmqtt "github.com/bronystylecrazy/topicmux/realtime/mqtt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

type deviceSubscriber struct {
	got chan device
}

func newDeviceSubscriber() *deviceSubscriber {
	return &deviceSubscriber{got: make(chan device, 1)}
}

func (s *deviceSubscriber) Subscribe(r Registrar) error {
	_, err := r.Subscribe(context.Background(), "fx/devices/+", HandleFunc(func(_ Ctx, v device) error {
		s.got <- v
		return nil
	}))
	return err
}

func TestModuleDeliversThroughEmbeddedBroker(t *testing.T) {
	var (
		sub    *deviceSubscriber
		pubsub *PubSub
		gw     usmqtt.Gateway
		seen   = make(chan string, 1)
	)

	app := fxtest.New(t,
		fx.Supply(zap.NewNop()),
		Module(config.WithNoEnv()),
		fx.Provide(
			newDeviceSubscriber,
			AsTopicSubscriber(func(s *deviceSubscriber) *deviceSubscriber { return s }),
			AsTopicMiddleware(func() Middleware {
				return func(next ServeFunc) ServeFunc {
					return func(ctx Ctx, v any) error {
						seen <- ctx.Filter()
						return next(ctx, v)
					}
				}
			}),
		),
		fx.Populate(&sub, &pubsub, &gw),
	)
	app.RequireStart()
	defer app.RequireStop()

	_, ok := gw.(*usmqtt.Embedded)
	require.True(t, ok, "default broker mode is embedded, got %T", gw)
	assert.Equal(t, []string{"fx/devices/+"}, pubsub.Filters())

	require.NoError(t, pubsub.PublishValue(context.Background(), "fx/devices/1", device{DeviceId: 1, Name: "testName1"}))

	select {
	case v := <-sub.got:
		assert.Equal(t, device{DeviceId: 1, Name: "testName1"}, v)
	case <-time.After(3 * time.Second):
		t.Fatal("handler was not called")
	}
	assert.Equal(t, "fx/devices/+", <-seen)
}

func TestModuleRejectsInvalidConfig(t *testing.T) {
	app := fx.New(
		fx.NopLogger,
		Module(config.WithNoEnv(), config.WithDefault("realtime.broker.mode", "carrier-pigeon")),
		fx.Invoke(func(*PubSub) {}),
	)
	require.Error(t, app.Err())
	assert.ErrorIs(t, app.Err(), config.ErrValidation)
}

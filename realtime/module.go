package realtime

import (
	"log/slog"

	"github.com/bronystylecrazy/topicmux/config"
	usmqtt "github.com/bronystylecrazy/topicmux/realtime/mqtt"
	mqtt "github.com/mochi-mqtt/server/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ModuleName = "topicmux/realtime"

const (
	SubscribersGroupName = "topicmux_subscribers"
	MiddlewaresGroupName = "topicmux_middlewares"
	BrokerHooksGroupName = "topicmux_broker_hooks"
)

// Module provides the realtime Config, a broker gateway, the PubSub facade
// and its inbox, and starts and stops them with the fx app.
func Module(opts ...config.Option) fx.Option {
	return fx.Module(ModuleName,
		config.Provide[Config]("realtime", opts...),
		fx.Provide(
			newMetrics,
			newGateway,
			newPubSub,
			func(p *PubSub) Registrar { return p },
			newInbox,
		),
		fx.Invoke(SetupTopicMiddlewares),
		fx.Invoke(registerLifecycle),
		fx.Invoke(SetupTopicSubscribers),
	)
}

// AsTopicSubscriber annotates a constructor so its result joins the topic
// subscribers set up on startup.
func AsTopicSubscriber(constructor any) any {
	return fx.Annotate(constructor,
		fx.As(new(TopicSubscriber)),
		fx.ResultTags(`group:"`+SubscribersGroupName+`"`),
	)
}

// AsTopicMiddleware annotates a constructor returning a Middleware so it is
// applied to every handler.
func AsTopicMiddleware(constructor any) any {
	return fx.Annotate(constructor, fx.ResultTags(`group:"`+MiddlewaresGroupName+`"`))
}

// AsBrokerHook annotates a constructor returning an embedded broker hook.
func AsBrokerHook(constructor any) any {
	return fx.Annotate(constructor,
		fx.As(new(mqtt.Hook)),
		fx.ResultTags(`group:"`+BrokerHooksGroupName+`"`),
	)
}

type metricsIn struct {
	fx.In
	MeterProvider  metric.MeterProvider `optional:"true"`
	TracerProvider trace.TracerProvider `optional:"true"`
}

func newMetrics(in metricsIn) (*Metrics, error) {
	mp, tp := in.MeterProvider, in.TracerProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return NewMetrics(mp, tp)
}

type gatewayIn struct {
	fx.In
	Cfg   Config
	Log   *zap.Logger  `optional:"true"`
	Slog  *slog.Logger `optional:"true"`
	Hooks []mqtt.Hook  `group:"topicmux_broker_hooks"`
}

func newGateway(in gatewayIn) (usmqtt.Gateway, error) {
	log := in.Log
	if log == nil {
		log = zap.NewNop()
	}
	return NewGateway(in.Cfg, log.Named("gateway"), in.Slog, in.Hooks...)
}

type pubSubIn struct {
	fx.In
	Cfg     Config
	Gateway usmqtt.Gateway
	Metrics *Metrics
	Log     *zap.Logger `optional:"true"`
}

func newPubSub(in pubSubIn) (*PubSub, error) {
	codec, err := NewCodec(in.Cfg.Dispatch.Codec)
	if err != nil {
		return nil, err
	}
	log := in.Log
	if log == nil {
		log = zap.NewNop()
	}

	p := New(in.Gateway,
		WithLogger(log.Named("realtime")),
		WithPayloadCodec(codec),
		WithPolicy(usmqtt.MatchPolicy{
			ExcludeReserved: in.Cfg.Match.ExcludeReserved,
			ReservedPrefix:  in.Cfg.Match.ReservedPrefix,
		}),
		WithMatchCacheSize(in.Cfg.Match.CacheSize),
		WithPubSubMetrics(in.Metrics),
	)
	if in.Cfg.Dispatch.HandlerTimeout > 0 {
		p.Use(TimeoutMiddleware(in.Cfg.Dispatch.HandlerTimeout))
	}
	return p, nil
}

type inboxIn struct {
	fx.In
	Cfg     Config
	PubSub  *PubSub
	Gateway usmqtt.Gateway
	Metrics *Metrics
	Log     *zap.Logger `optional:"true"`
}

func newInbox(in inboxIn) *Inbox {
	inbox := NewInbox(in.PubSub.Dispatcher(), in.Cfg.Dispatch.Inbox(),
		WithInboxLogger(in.Log),
		WithInboxMetrics(in.Metrics),
	)
	in.Gateway.SetReceiver(inbox.Deliver)
	return inbox
}

// registerLifecycle starts the inbox before the gateway so no delivery
// finds it closed, and on stop unsubscribes before closing the gateway and
// draining the inbox.
func registerLifecycle(lc fx.Lifecycle, inbox *Inbox, gw usmqtt.Gateway, p *PubSub) {
	lc.Append(fx.Hook{OnStart: inbox.Start, OnStop: inbox.Stop})
	lc.Append(fx.Hook{OnStart: gw.Start, OnStop: gw.Stop})
	lc.Append(fx.Hook{OnStop: p.Stop})
}

type setupTopicSubscribersIn struct {
	fx.In
	Log         *zap.Logger `optional:"true"`
	Registrar   Registrar
	Subscribers []TopicSubscriber `group:"topicmux_subscribers"`
}

func SetupTopicSubscribers(in setupTopicSubscribersIn) error {
	if in.Log != nil {
		in.Log.Debug("setting up topic subscribers", zap.Int("count", len(in.Subscribers)))
	}
	for _, subscriber := range in.Subscribers {
		if err := subscriber.Subscribe(in.Registrar); err != nil {
			return err
		}
	}
	return nil
}

type setupTopicMiddlewaresIn struct {
	fx.In
	Registrar   Registrar
	Middlewares []Middleware `group:"topicmux_middlewares"`
}

func SetupTopicMiddlewares(in setupTopicMiddlewaresIn) {
	in.Registrar.Use(in.Middlewares...)
}

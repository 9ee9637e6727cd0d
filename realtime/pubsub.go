package realtime

import (
	"context"
	"errors"
	"sync"

	usmqtt "github.com/bronystylecrazy/topicmux/realtime/mqtt"
	"go.uber.org/zap"
)

var ErrNoGateway = errors.New("realtime: no broker gateway")

// Registrar is the registration side of PubSub handed to topic subscribers.
type Registrar interface {
	Subscribe(ctx context.Context, filter string, args ...any) (int, error)
	Register(ctx context.Context, filter string, args ...any) (Registration, error)
	Use(middlewares ...Middleware)
}

// TopicSubscriber registers its handlers on startup.
type TopicSubscriber interface {
	Subscribe(r Registrar) error
}

// PubSub ties a registry, a dispatcher and a broker gateway together.
type PubSub struct {
	registry   *Registry
	dispatcher *Dispatcher
	pub        usmqtt.Publisher
	codec      Codec
	log        *zap.Logger

	mu      sync.RWMutex
	mws     []Middleware
	stopped bool
}

type options struct {
	log       *zap.Logger
	codec     Codec
	policy    usmqtt.MatchPolicy
	cacheSize int
	metrics   *Metrics
}

type Option func(*options)

func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

func WithPayloadCodec(codec Codec) Option {
	return func(o *options) {
		if codec != nil {
			o.codec = codec
		}
	}
}

func WithPolicy(policy usmqtt.MatchPolicy) Option {
	return func(o *options) {
		o.policy = policy
	}
}

// WithMatchCacheSize enables the registry lookup cache.
func WithMatchCacheSize(size int) Option {
	return func(o *options) {
		o.cacheSize = size
	}
}

func WithPubSubMetrics(m *Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// New builds a PubSub over gw. A nil gw keeps every subscription local;
// messages then only arrive through HandleInboundMessage.
func New(gw usmqtt.Gateway, opts ...Option) *PubSub {
	o := options{
		log:     zap.NewNop(),
		codec:   JSONCodec{},
		metrics: NopMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	var sub usmqtt.Subscriber
	var pub usmqtt.Publisher
	if gw != nil {
		sub, pub = gw, gw
	}

	registry := NewRegistry(sub,
		WithMatchPolicy(o.policy),
		WithMatchCache(o.cacheSize),
		WithRegistryLogger(o.log),
	)
	return &PubSub{
		registry: registry,
		dispatcher: NewDispatcher(registry,
			WithCodec(o.codec),
			WithPublisher(pub),
			WithDispatcherLogger(o.log),
			WithMetrics(o.metrics),
		),
		pub:   pub,
		codec: o.codec,
		log:   o.log,
	}
}

// Subscribe registers the handler, the last of args, behind the middlewares
// that precede it, and returns the number of handlers now on filter.
func (p *PubSub) Subscribe(ctx context.Context, filter string, args ...any) (int, error) {
	reg, err := p.Register(ctx, filter, args...)
	if err != nil {
		return 0, err
	}
	return reg.Count, nil
}

func (p *PubSub) Register(ctx context.Context, filter string, args ...any) (Registration, error) {
	handler, mws, err := parseTopicArgs(args...)
	if err != nil {
		return Registration{}, err
	}

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return Registration{}, ErrPubSubStopped
	}
	all := append(append([]Middleware(nil), p.mws...), mws...)
	p.mu.RUnlock()

	reg, err := p.registry.Register(ctx, filter, applyMiddlewares(handler, all))
	if err != nil {
		return Registration{}, err
	}
	p.log.Debug("topic handler registered",
		zap.String("filter", reg.Filter),
		zap.Uint64("handler_id", reg.ID),
		zap.Int("count", reg.Count),
	)
	return reg, nil
}

func (p *PubSub) Unsubscribe(ctx context.Context, reg Registration) error {
	return p.registry.Unregister(ctx, reg.Filter, reg.ID)
}

// HandleInboundMessage dispatches one message synchronously on the calling
// goroutine.
func (p *PubSub) HandleInboundMessage(ctx context.Context, topic string, payload []byte) Outcome {
	return p.dispatcher.Dispatch(ctx, topic, payload)
}

func (p *PubSub) Publish(ctx context.Context, topic string, payload []byte) error {
	if p.pub == nil {
		return ErrNoGateway
	}
	if err := usmqtt.ValidateTopic(topic); err != nil {
		return err
	}
	return p.pub.Publish(ctx, topic, payload, usmqtt.NoRetain, usmqtt.QoS0)
}

// PublishValue encodes v with the payload codec before publishing.
func (p *PubSub) PublishValue(ctx context.Context, topic string, v any) error {
	payload, err := p.codec.Marshal(v)
	if err != nil {
		return err
	}
	return p.Publish(ctx, topic, payload)
}

// Use adds middlewares for handlers registered afterwards.
func (p *PubSub) Use(middlewares ...Middleware) {
	if len(middlewares) == 0 {
		return
	}

	p.mu.Lock()
	p.mws = append(p.mws, middlewares...)
	p.mu.Unlock()
}

func (p *PubSub) Filters() []string {
	return p.registry.Filters()
}

func (p *PubSub) Registry() *Registry {
	return p.registry
}

func (p *PubSub) Dispatcher() *Dispatcher {
	return p.dispatcher
}

// Stop rejects further registrations and unsubscribes every filter.
func (p *PubSub) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	return p.registry.Close(ctx)
}

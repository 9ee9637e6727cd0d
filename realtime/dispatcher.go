package realtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	usmqtt "github.com/bronystylecrazy/topicmux/realtime/mqtt"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Outcome reports what happened to one inbound message.
type Outcome struct {
	Topic     string
	Matched   int
	Delivered int
	Failures  []HandlerFailure
}

func (o Outcome) OK() bool {
	return len(o.Failures) == 0
}

// Err combines every handler failure, or returns nil.
func (o Outcome) Err() error {
	if len(o.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(o.Failures))
	for _, f := range o.Failures {
		errs = append(errs, f)
	}
	return multierr.Combine(errs...)
}

// Dispatcher routes inbound messages to the handlers of every matching filter.
// Each handler decodes the payload on its own and is guarded separately, so a
// failing handler never keeps the next one from running. Dispatch is safe for
// concurrent use.
type Dispatcher struct {
	registry *Registry
	codec    Codec
	pub      usmqtt.Publisher
	log      *zap.Logger
	metrics  *Metrics
}

type DispatcherOption func(*Dispatcher)

func WithCodec(codec Codec) DispatcherOption {
	return func(d *Dispatcher) {
		if codec != nil {
			d.codec = codec
		}
	}
}

// WithPublisher lets handlers publish through Ctx.
func WithPublisher(pub usmqtt.Publisher) DispatcherOption {
	return func(d *Dispatcher) {
		d.pub = pub
	}
}

func WithDispatcherLogger(log *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

func WithMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		codec:    JSONCodec{},
		log:      zap.NewNop(),
		metrics:  NopMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Dispatch delivers payload to every handler whose filter matches topic, in
// registration order. No match is a successful no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, topic string, payload []byte) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	ctx, span := d.metrics.startDispatch(ctx, topic)
	defer span.End()

	bindings := d.registry.HandlersMatching(topic)
	out := Outcome{Topic: topic, Matched: len(bindings)}
	for _, b := range bindings {
		if err := d.invoke(ctx, b, topic, payload); err != nil {
			out.Failures = append(out.Failures, HandlerFailure{Filter: b.Filter, HandlerID: b.ID, Err: err})
			d.log.Error("topic handler failed",
				zap.String("filter", b.Filter),
				zap.String("topic", topic),
				zap.Uint64("handler_id", b.ID),
				zap.Error(err),
			)
			continue
		}
		out.Delivered++
	}

	d.metrics.recordDispatch(ctx, span, out, time.Since(start))
	return out
}

func (d *Dispatcher) invoke(ctx context.Context, b Binding, topic string, payload []byte) error {
	value, err := d.bind(b, topic, payload)
	if err != nil {
		return err
	}
	return d.serve(ctx, b, topic, payload, value)
}

// bind decodes payload for one handler. A panic in the codec is a decode
// failure, not a handler failure.
func (d *Dispatcher) bind(b Binding, topic string, payload []byte) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logPanic("panic while decoding payload", rec, b, topic, payload)
			err = fmt.Errorf("%w: panic: %v", ErrDecode, rec)
		}
	}()

	value, err = b.Handler.Bind(d.codec, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return value, nil
}

func (d *Dispatcher) serve(ctx context.Context, b Binding, topic string, payload []byte, value any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logPanic("panic in topic handler", rec, b, topic, payload)
			err = fmt.Errorf("%w: %w: %v", ErrHandler, ErrHandlerPanic, rec)
		}
	}()

	tc := &topicCtx{
		topic:     topic,
		filter:    b.Filter,
		handlerID: b.ID,
		payload:   payload,
		codec:     d.codec,
		pub:       d.pub,
		ctx:       ctx,
	}
	if err := b.Handler.Serve(tc, value); err != nil {
		return fmt.Errorf("%w: %w", ErrHandler, err)
	}
	return nil
}

func (d *Dispatcher) logPanic(msg string, rec any, b Binding, topic string, payload []byte) {
	d.log.Error(msg,
		zap.Any("panic", rec),
		zap.String("filter", b.Filter),
		zap.String("topic", topic),
		zap.ByteString("payload", payload),
		zap.ByteString("stack", debug.Stack()),
	)
}

package realtime

import (
	"context"
	"time"

	usmqtt "github.com/bronystylecrazy/topicmux/realtime/mqtt"
)

// Ctx is handed to every handler invocation.
type Ctx interface {
	context.Context

	Topic() string
	Filter() string
	HandlerID() uint64
	Payload() []byte
	Decode(v any) error
	Publish(topic string, payload []byte, retain bool, qos byte) error
	PublishValue(topic string, v any, retain bool, qos byte) error
	Context() context.Context
	SetContext(ctx context.Context)
}

type topicCtx struct {
	topic     string
	filter    string
	handlerID uint64
	payload   []byte
	codec     Codec
	pub       usmqtt.Publisher
	ctx       context.Context
}

func (c *topicCtx) Topic() string {
	return c.topic
}

func (c *topicCtx) Filter() string {
	return c.filter
}

func (c *topicCtx) HandlerID() uint64 {
	return c.handlerID
}

func (c *topicCtx) Payload() []byte {
	return c.payload
}

func (c *topicCtx) Decode(v any) error {
	return c.codec.Unmarshal(c.payload, v)
}

// Decode decodes the payload of ctx into a new T.
func Decode[T any](ctx Ctx) (T, error) {
	var out T
	err := ctx.Decode(&out)
	return out, err
}

func (c *topicCtx) Publish(topic string, payload []byte, retain bool, qos byte) error {
	if c.pub == nil {
		return ErrCtxNoPublisher
	}
	if err := usmqtt.ValidateTopic(topic); err != nil {
		return err
	}
	return c.pub.Publish(c.Context(), topic, payload, retain, qos)
}

func (c *topicCtx) PublishValue(topic string, v any, retain bool, qos byte) error {
	p, err := c.codec.Marshal(v)
	if err != nil {
		return err
	}
	return c.Publish(topic, p, retain, qos)
}

func (c *topicCtx) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *topicCtx) Deadline() (time.Time, bool) {
	return c.Context().Deadline()
}

func (c *topicCtx) Done() <-chan struct{} {
	return c.Context().Done()
}

func (c *topicCtx) Err() error {
	return c.Context().Err()
}

func (c *topicCtx) Value(key any) any {
	return c.Context().Value(key)
}

func (c *topicCtx) SetContext(ctx context.Context) {
	c.ctx = ctx
}

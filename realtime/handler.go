package realtime

import (
	"reflect"
)

// Handler receives the messages of the filters it is registered on. Bind
// decodes the raw payload into the value Serve expects; it runs once per
// handler and message so handlers may expect incompatible shapes.
type Handler interface {
	Bind(codec Codec, payload []byte) (any, error)
	Serve(ctx Ctx, value any) error
}

type ServeFunc func(ctx Ctx, value any) error

type Middleware func(next ServeFunc) ServeFunc

type typedHandler[T any] struct {
	fn func(ctx Ctx, v T) error
}

// HandleFunc builds a Handler that decodes every payload into T.
func HandleFunc[T any](fn func(ctx Ctx, v T) error) Handler {
	return typedHandler[T]{fn: fn}
}

// HandleRaw builds a Handler that receives the payload bytes untouched.
func HandleRaw(fn func(ctx Ctx, payload []byte) error) Handler {
	return typedHandler[[]byte]{fn: fn}
}

func (h typedHandler[T]) Bind(codec Codec, payload []byte) (any, error) {
	var out T
	switch p := any(&out).(type) {
	case *[]byte:
		*p = append([]byte(nil), payload...)
		return out, nil
	case *string:
		*p = string(payload)
		return out, nil
	}

	target := any(&out)
	if rt := reflect.TypeOf(out); rt != nil && rt.Kind() == reflect.Pointer {
		out = reflect.New(rt.Elem()).Interface().(T)
		target = out
	}
	if err := codec.Unmarshal(payload, target); err != nil {
		return nil, err
	}
	return out, nil
}

func (h typedHandler[T]) Serve(ctx Ctx, value any) error {
	v, _ := value.(T)
	return h.fn(ctx, v)
}

// ctxHandler leaves decoding to the handler through Ctx.Decode.
type ctxHandler func(ctx Ctx) error

func (h ctxHandler) Bind(Codec, []byte) (any, error) {
	return nil, nil
}

func (h ctxHandler) Serve(ctx Ctx, _ any) error {
	return h(ctx)
}

type wrappedHandler struct {
	Handler
	serve ServeFunc
}

func (h wrappedHandler) Serve(ctx Ctx, value any) error {
	return h.serve(ctx, value)
}

func applyMiddlewares(handler Handler, mws []Middleware) Handler {
	if len(mws) == 0 {
		return handler
	}

	wrapped := ServeFunc(handler.Serve)
	for i := len(mws) - 1; i >= 0; i-- {
		wrapped = mws[i](wrapped)
	}
	return wrappedHandler{Handler: handler, serve: wrapped}
}

func parseTopicArgs(args ...any) (Handler, []Middleware, error) {
	if len(args) == 0 {
		return nil, nil, ErrInvalidRegistrationArgs
	}

	handler, ok := toHandler(args[len(args)-1])
	if !ok || handler == nil {
		return nil, nil, ErrInvalidRegistrationArgs
	}

	mws := make([]Middleware, 0, len(args)-1)
	for i := 0; i < len(args)-1; i++ {
		mw, ok := toMiddleware(args[i])
		if !ok || mw == nil {
			return nil, nil, ErrInvalidRegistrationArgs
		}
		mws = append(mws, mw)
	}

	return handler, mws, nil
}

func toMiddleware(v any) (Middleware, bool) {
	switch mw := v.(type) {
	case Middleware:
		return mw, true
	case func(ServeFunc) ServeFunc:
		return Middleware(mw), true
	default:
		return nil, false
	}
}

func toHandler(v any) (Handler, bool) {
	switch fn := v.(type) {
	case Handler:
		return fn, true
	case func(Ctx) error:
		return ctxHandler(fn), true
	case func(Ctx):
		return ctxHandler(func(ctx Ctx) error {
			fn(ctx)
			return nil
		}), true
	case func(topic string, payload []byte) error:
		return HandleRaw(func(ctx Ctx, payload []byte) error {
			return fn(ctx.Topic(), payload)
		}), true
	case func(topic string, payload []byte):
		return HandleRaw(func(ctx Ctx, payload []byte) error {
			fn(ctx.Topic(), payload)
			return nil
		}), true
	case func(topic string, payload string):
		return HandleFunc(func(ctx Ctx, payload string) error {
			fn(ctx.Topic(), payload)
			return nil
		}), true
	default:
		return nil, false
	}
}

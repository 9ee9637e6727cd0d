package realtime

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// TimeoutMiddleware bounds the handler context to timeout. A handler that
// overruns the deadline fails with ErrHandlerTimeout.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next ServeFunc) ServeFunc {
		return func(ctx Ctx, value any) error {
			if timeout <= 0 {
				return next(ctx, value)
			}

			timedCtx, cancel := context.WithTimeout(ctx.Context(), timeout)
			defer cancel()
			ctx.SetContext(timedCtx)

			err := next(ctx, value)

			if errors.Is(timedCtx.Err(), context.DeadlineExceeded) {
				if err == nil || errors.Is(err, context.DeadlineExceeded) {
					return ErrHandlerTimeout
				}
			}
			return err
		}
	}
}

// LoggingMiddleware debug-logs every handler invocation with its duration.
func LoggingMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}

	return func(next ServeFunc) ServeFunc {
		return func(ctx Ctx, value any) error {
			start := time.Now()
			err := next(ctx, value)
			fields := []zap.Field{
				zap.String("filter", ctx.Filter()),
				zap.String("topic", ctx.Topic()),
				zap.Uint64("handler_id", ctx.HandlerID()),
				zap.Duration("elapsed", time.Since(start)),
			}
			if err != nil {
				log.Debug("topic handler returned error", append(fields, zap.Error(err))...)
				return err
			}
			log.Debug("topic handler served", fields...)
			return nil
		}
	}
}

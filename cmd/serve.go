package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/bronystylecrazy/topicmux/config"
	"github.com/bronystylecrazy/topicmux/log"
	"github.com/bronystylecrazy/topicmux/otel"
	"github.com/bronystylecrazy/topicmux/realtime"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ServeCommand runs the broker gateway and dispatch layer until interrupted.
// Extra options let embedding programs add their own topic subscribers.
type ServeCommand struct {
	extra []fx.Option
}

func NewServeCommand(extra ...fx.Option) *ServeCommand {
	return &ServeCommand{extra: extra}
}

func (s *ServeCommand) Command() *cobra.Command {
	c := &cobra.Command{
		Use:           "serve",
		Short:         "Connect to the broker and dispatch incoming messages",
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          s.Run,
	}
	c.Flags().StringP("config", "c", "config.toml", "config file (toml, yaml or json)")
	c.Flags().StringSlice("filter", nil, "log every message matching this filter (repeatable)")
	return c
}

func (s *ServeCommand) Run(cmd *cobra.Command, args []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	filters, err := cmd.Flags().GetStringSlice("filter")
	if err != nil {
		return err
	}

	app := fx.New(s.Options(path, filters)...)
	if err := app.Err(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-app.Wait():
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancelStop()
	return app.Stop(stopCtx)
}

// Options assembles the fx app that serve runs.
func (s *ServeCommand) Options(path string, filters []string) []fx.Option {
	source := config.WithSourceFile(path)
	opts := []fx.Option{
		log.Module(source),
		otel.Module(source),
		realtime.Module(source),
		fx.Supply(watchedFilters(filters)),
		fx.Provide(realtime.AsTopicSubscriber(newFilterLogger)),
	}
	return append(opts, s.extra...)
}

type watchedFilters []string

// filterLogger logs every message on the filters given with --filter.
type filterLogger struct {
	filters watchedFilters
	log     *zap.Logger
}

func newFilterLogger(filters watchedFilters, log *zap.Logger) *filterLogger {
	return &filterLogger{filters: filters, log: log.Named("serve")}
}

func (f *filterLogger) Subscribe(r realtime.Registrar) error {
	for _, filter := range f.filters {
		count, err := r.Subscribe(context.Background(), filter, f.handle)
		if err != nil {
			return fmt.Errorf("subscribe %q: %w", filter, err)
		}
		f.log.Info("watching filter", zap.String("filter", filter), zap.Int("count", count))
	}
	return nil
}

func (f *filterLogger) handle(ctx realtime.Ctx) error {
	f.log.Info("message",
		zap.String("topic", ctx.Topic()),
		zap.String("filter", ctx.Filter()),
		zap.ByteString("payload", ctx.Payload()),
	)
	return nil
}

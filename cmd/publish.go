package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bronystylecrazy/topicmux/config"
	"github.com/bronystylecrazy/topicmux/realtime"
	usmqtt "github.com/bronystylecrazy/topicmux/realtime/mqtt"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrPublishEmbedded = errors.New("publish needs an external or redis broker; the embedded broker only lives inside serve")

// PublishCommand sends one message through the configured broker.
type PublishCommand struct{}

func NewPublishCommand() *PublishCommand {
	return &PublishCommand{}
}

func (s *PublishCommand) Command() *cobra.Command {
	c := &cobra.Command{
		Use:           "publish",
		Short:         "Publish one message to a topic",
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          s.Run,
	}
	c.Flags().StringP("config", "c", "config.toml", "config file (toml, yaml or json)")
	c.Flags().StringP("topic", "t", "", "topic name")
	c.Flags().StringP("payload", "p", "", "message payload")
	c.Flags().Bool("retain", false, "ask the broker to retain the message")
	c.Flags().Uint8("qos", 0, "quality of service (0, 1 or 2)")
	c.Flags().Duration("timeout", 10*time.Second, "connect and publish timeout")
	_ = c.MarkFlagRequired("topic")
	return c
}

func (s *PublishCommand) Run(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	path, err := flags.GetString("config")
	if err != nil {
		return err
	}
	topic, err := flags.GetString("topic")
	if err != nil {
		return err
	}
	payload, err := flags.GetString("payload")
	if err != nil {
		return err
	}
	retain, err := flags.GetBool("retain")
	if err != nil {
		return err
	}
	qos, err := flags.GetUint8("qos")
	if err != nil {
		return err
	}
	timeout, err := flags.GetDuration("timeout")
	if err != nil {
		return err
	}
	if qos > usmqtt.QoS2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", qos)
	}
	if err := usmqtt.ValidateTopic(topic); err != nil {
		return err
	}

	cfg, err := config.Load[realtime.Config]("realtime", config.WithSourceFile(path))
	if err != nil {
		return err
	}
	if cfg.Broker.Mode == realtime.BrokerModeEmbedded {
		return ErrPublishEmbedded
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if err := publishOnce(ctx, cfg, topic, []byte(payload), retain, qos); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "published %d bytes to %s\n", len(payload), topic)
	return err
}

func publishOnce(ctx context.Context, cfg realtime.Config, topic string, payload []byte, retain bool, qos byte) (err error) {
	gw, err := realtime.NewGateway(cfg, zap.NewNop(), nil)
	if err != nil {
		return err
	}
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		err = multierr.Append(err, gw.Stop(context.Background()))
	}()
	return gw.Publish(ctx, topic, payload, retain, qos)
}

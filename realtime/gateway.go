package realtime

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	usmqtt "github.com/bronystylecrazy/topicmux/realtime/mqtt"
	"github.com/bronystylecrazy/topicmux/realtime/rd"
	"github.com/google/uuid"
	mqtt "github.com/mochi-mqtt/server/v2"
	"go.uber.org/zap"
)

// ClientIDBase prefixes generated external broker client ids.
var ClientIDBase = "topicmux"

// NewGateway builds the broker gateway selected by cfg.Broker.Mode.
// Hooks only apply to the embedded broker.
func NewGateway(cfg Config, log *zap.Logger, slogger *slog.Logger, hooks ...mqtt.Hook) (usmqtt.Gateway, error) {
	if log == nil {
		log = zap.NewNop()
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Broker.Mode))
	if mode == "" {
		mode = BrokerModeEmbedded
	}

	switch mode {
	case BrokerModeEmbedded:
		return usmqtt.NewEmbedded(usmqtt.EmbeddedConfig{
			TCPAddress:       cfg.Broker.Embedded.TCPAddress,
			ListenerID:       cfg.Broker.Embedded.ListenerID,
			WebsocketAddress: cfg.Broker.Embedded.WebsocketAddress,
			Logger:           slogger,
			Hooks:            hooks,
		})
	case BrokerModeExternal:
		ext := cfg.Broker.External
		tlsCfg, err := ext.TLS.Load()
		if err != nil {
			return nil, fmt.Errorf("realtime: load broker tls config: %w", err)
		}

		clientID := strings.TrimSpace(ext.ClientID)
		if clientID == "" {
			clientID = defaultExternalClientID()
		}

		return usmqtt.NewExternal(usmqtt.ExternalConfig{
			Endpoint:       ext.Endpoint,
			ClientID:       clientID,
			Username:       ext.Username,
			Password:       ext.Password,
			CleanSession:   ext.CleanSession,
			ConnectTimeout: ext.ConnectTimeout,
			Keepalive:      ext.Keepalive,
			TLSConfig:      tlsCfg,
			Logger:         log.Named("external"),
		})
	case BrokerModeRedis:
		return rd.NewGatewayFromConfig(cfg.Broker.Redis, rd.WithLogger(log.Named("redis")))
	default:
		return nil, fmt.Errorf("realtime: invalid broker mode %q (allowed: %q, %q, %q)",
			mode, BrokerModeEmbedded, BrokerModeExternal, BrokerModeRedis)
	}
}

var invalidClientIDRunes = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func defaultExternalClientID() string {
	base := invalidClientIDRunes.ReplaceAllString(strings.TrimSpace(ClientIDBase), "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "topicmux"
	}
	return base + "-" + uuid.NewString()
}

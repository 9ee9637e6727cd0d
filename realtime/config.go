package realtime

import (
	"time"

	"github.com/bronystylecrazy/topicmux/realtime/rd"
)

const (
	BrokerModeEmbedded = "embedded"
	BrokerModeExternal = "external"
	BrokerModeRedis    = "redis"
)

type Config struct {
	Broker   BrokerConfig   `mapstructure:"broker"`
	Match    MatchConfig    `mapstructure:"match"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
}

type BrokerConfig struct {
	Mode     string               `mapstructure:"mode" default:"embedded" validate:"oneof=embedded external redis"`
	Embedded EmbeddedBrokerConfig `mapstructure:"embedded"`
	External ExternalBrokerConfig `mapstructure:"external"`
	Redis    rd.Config            `mapstructure:"redis"`
}

type EmbeddedBrokerConfig struct {
	TCPAddress       string `mapstructure:"tcp_address"`
	ListenerID       string `mapstructure:"listener_id" default:"t1"`
	WebsocketAddress string `mapstructure:"websocket_address"`
}

type ExternalBrokerConfig struct {
	Endpoint       string          `mapstructure:"endpoint"`
	ClientID       string          `mapstructure:"client_id"`
	Username       string          `mapstructure:"username"`
	Password       string          `mapstructure:"password"`
	CleanSession   bool            `mapstructure:"clean_session" default:"true"`
	ConnectTimeout time.Duration   `mapstructure:"connect_timeout" default:"10s"`
	Keepalive      time.Duration   `mapstructure:"keepalive" default:"30s"`
	TLS            BrokerTLSConfig `mapstructure:"tls"`
}

type MatchConfig struct {
	// ExcludeReserved keeps topics starting with ReservedPrefix away from
	// filters whose first level is a wildcard.
	ExcludeReserved bool   `mapstructure:"exclude_reserved" default:"false"`
	ReservedPrefix  string `mapstructure:"reserved_prefix" default:"$"`
	// CacheSize bounds the per-snapshot topic lookup cache; 0 disables it.
	CacheSize int `mapstructure:"cache_size" default:"1024" validate:"gte=0"`
}

type DispatchConfig struct {
	Codec          string        `mapstructure:"codec" default:"json" validate:"oneof=json yaml yml proto protobuf"`
	QueueSize      int           `mapstructure:"queue_size" default:"1024" validate:"gte=1"`
	Workers        int           `mapstructure:"workers" default:"1" validate:"gte=1"`
	DropWhenFull   bool          `mapstructure:"drop_when_full" default:"false"`
	RateLimit      float64       `mapstructure:"rate_limit" default:"0" validate:"gte=0"`
	RateBurst      int           `mapstructure:"rate_burst" default:"0" validate:"gte=0"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout" default:"0s"`
}

func (c DispatchConfig) Inbox() InboxConfig {
	return InboxConfig{
		QueueSize:    c.QueueSize,
		Workers:      c.Workers,
		DropWhenFull: c.DropWhenFull,
		RateLimit:    c.RateLimit,
		RateBurst:    c.RateBurst,
	}
}

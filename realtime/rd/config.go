package rd

import (
	"time"

	redis "github.com/redis/go-redis/v9"
)

type Config struct {
	InMemory      bool          `mapstructure:"in_memory" default:"false"`
	Network       string        `mapstructure:"network" default:"tcp"`
	Addr          string        `mapstructure:"addr" default:"127.0.0.1:6379"`
	Protocol      int           `mapstructure:"protocol" default:"3"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db" default:"0"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout" default:"5s"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" default:"3s"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" default:"3s"`
	PoolSize      int           `mapstructure:"pool_size" default:"10"`
	ChannelPrefix string        `mapstructure:"channel_prefix" default:"topicmux:"`
}

func (c Config) Options() *redis.Options {
	return &redis.Options{
		Network:      c.Network,
		Addr:         c.Addr,
		Protocol:     c.Protocol,
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		PoolSize:     c.PoolSize,
	}
}

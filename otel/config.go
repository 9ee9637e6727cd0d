package otel

import (
	"net/url"
	"strings"
	"time"
)

const (
	ExporterOTLP = "otlp"
	ExporterNone = "none"

	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// Config is read from the "otel" key. Nothing is exported unless Enabled is
// set; the providers still exist so instruments stay valid.
type Config struct {
	Enabled       bool              `mapstructure:"enabled" default:"false"`
	ServiceName   string            `mapstructure:"service_name" default:"topicmux" validate:"required"`
	ResourceAttrs map[string]string `mapstructure:"resource_attributes"`
	OTLP          OTLPConfig        `mapstructure:"otlp"`
	Traces        TracesConfig      `mapstructure:"traces"`
	Metrics       MetricsConfig     `mapstructure:"metrics"`
}

type OTLPConfig struct {
	Endpoint    string            `mapstructure:"endpoint" default:"localhost:4318" validate:"required"`
	Protocol    string            `mapstructure:"protocol" default:"http/protobuf" validate:"oneof=grpc http/protobuf"`
	Headers     map[string]string `mapstructure:"headers"`
	Timeout     time.Duration     `mapstructure:"timeout" default:"10s" validate:"gte=0"`
	Compression string            `mapstructure:"compression" default:"gzip" validate:"oneof=gzip none"`
	Insecure    bool              `mapstructure:"insecure"`
}

type TracesConfig struct {
	Exporter    string  `mapstructure:"exporter" default:"otlp" validate:"oneof=otlp none"`
	SampleRatio float64 `mapstructure:"sample_ratio" default:"1" validate:"gte=0,lte=1"`
}

type MetricsConfig struct {
	Exporter string        `mapstructure:"exporter" default:"otlp" validate:"oneof=otlp none"`
	Interval time.Duration `mapstructure:"interval" default:"10s" validate:"gte=0"`
}

func (c Config) tracesEnabled() bool {
	return c.Enabled && c.Traces.Exporter == ExporterOTLP
}

func (c Config) metricsEnabled() bool {
	return c.Enabled && c.Metrics.Exporter == ExporterOTLP
}

// target splits Endpoint into host:port and URL path. An "http" scheme
// implies a plaintext connection.
func (c OTLPConfig) target() (host, path string, insecure bool) {
	endpoint := strings.TrimSpace(c.Endpoint)
	scheme := ""
	if before, _, ok := strings.Cut(endpoint, "://"); ok {
		scheme = strings.ToLower(before)
	} else {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return strings.TrimSpace(c.Endpoint), "", c.Insecure
	}
	return u.Host, strings.TrimSuffix(u.Path, "/"), c.Insecure || scheme == "http"
}

func (c OTLPConfig) gzip() bool {
	return c.Compression == "gzip"
}

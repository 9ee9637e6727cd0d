package realtime

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/multierr"
)

var ErrIncompleteKeyPair = errors.New("realtime: tls cert_file and key_file must be set together")
var ErrUnknownTLSVersion = errors.New("realtime: unknown tls min_version")

// BrokerTLSConfig describes how the external gateway authenticates a broker
// reached over mqtts:// or wss://. The zero value leaves TLS to the dialer
// defaults.
type BrokerTLSConfig struct {
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	ServerName         string `mapstructure:"server_name"`
	MinVersion         string `mapstructure:"min_version"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

var tlsVersions = map[string]uint16{
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func (c BrokerTLSConfig) IsZero() bool {
	return c == BrokerTLSConfig{}
}

// Load builds the client tls.Config. Every problem with the referenced files
// is reported together rather than one per restart.
func (c BrokerTLSConfig) Load() (*tls.Config, error) {
	if c.IsZero() {
		return nil, nil
	}
	out := &tls.Config{
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	var errs error
	if v := strings.TrimSpace(c.MinVersion); v != "" {
		if version, ok := tlsVersions[v]; ok {
			out.MinVersion = version
		} else {
			errs = multierr.Append(errs, fmt.Errorf("%w: %q", ErrUnknownTLSVersion, v))
		}
	}
	if c.CAFile != "" {
		pool, err := readPool(c.CAFile)
		errs = multierr.Append(errs, err)
		out.RootCAs = pool
	}
	switch {
	case c.CertFile == "" && c.KeyFile == "":
	case c.CertFile == "" || c.KeyFile == "":
		errs = multierr.Append(errs, ErrIncompleteKeyPair)
	default:
		pair, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("realtime: client key pair: %w", err))
		} else {
			out.Certificates = []tls.Certificate{pair}
		}
	}

	if errs != nil {
		return nil, errs
	}
	return out, nil
}

func readPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("realtime: ca bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("realtime: ca bundle %s holds no PEM certificates", path)
	}
	return pool, nil
}

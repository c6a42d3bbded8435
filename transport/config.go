package transport

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"
)

type config struct {
	tlsConfig *tls.Config
	rootCAs   *x509.CertPool
	dialer    *net.Dialer
	timeout   time.Duration
}

type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(cfg *config) {
	f(cfg)
}

// WithTLSConfig sets the configuration TLS connections start from. Its
// verification settings are replaced.
func WithTLSConfig(base *tls.Config) Option {
	return optionFunc(func(cfg *config) {
		if base != nil {
			cfg.tlsConfig = base.Clone()
		}
	})
}

// WithRootCAs sets the roots used for hosts the Evaluator hands back for
// default handling, overriding RootCAs of WithTLSConfig regardless of order.
// The system roots are used otherwise.
func WithRootCAs(roots *x509.CertPool) Option {
	return optionFunc(func(cfg *config) {
		cfg.rootCAs = roots
	})
}

func WithDialer(d *net.Dialer) Option {
	return optionFunc(func(cfg *config) {
		if d != nil {
			cfg.dialer = d
		}
	})
}

// WithTimeout bounds each request made by NewClient.
func WithTimeout(d time.Duration) Option {
	return optionFunc(func(cfg *config) {
		cfg.timeout = d
	})
}

func newConfig(opts []Option) *config {
	cfg := &config{
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt.apply(cfg)
	}

	if cfg.rootCAs != nil {
		if cfg.tlsConfig == nil {
			cfg.tlsConfig = &tls.Config{}
		}
		cfg.tlsConfig.RootCAs = cfg.rootCAs
	}

	return cfg
}

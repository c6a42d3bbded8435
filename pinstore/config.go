package pinstore

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationVersion = "0.1.0"

type config struct {
	meterProvider metric.MeterProvider
	logger        logrus.FieldLogger
	pollInterval  time.Duration
}

type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(cfg *config) {
	f(cfg)
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return optionFunc(func(cfg *config) {
		if provider != nil {
			cfg.meterProvider = provider
		}
	})
}

func WithLogger(logger logrus.FieldLogger) Option {
	return optionFunc(func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	})
}

// WithPollInterval makes a Watcher stat the bundles every interval instead
// of relying on filesystem notifications. This suits filesystems fsnotify
// does not support.
func WithPollInterval(interval time.Duration) Option {
	return optionFunc(func(cfg *config) {
		cfg.pollInterval = interval
	})
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

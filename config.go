package certpin

import (
	"io"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"
)

type config struct {
	MeterProvider            metric.MeterProvider
	Logger                   logrus.FieldLogger
	Clock                    clockwork.Clock
	Listener                 Listener
	FailClosedOnMissingTrust bool
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
			cfg.MeterProvider = provider
		}
	})
}

// WithLogger sets the logger for challenge outcomes. Without it nothing is
// logged.
func WithLogger(logger logrus.FieldLogger) Option {
	return optionFunc(func(cfg *config) {
		if logger != nil {
			cfg.Logger = logger
		}
	})
}

// WithClock sets the clock used to time evaluations.
func WithClock(clock clockwork.Clock) Option {
	return optionFunc(func(cfg *config) {
		if clock != nil {
			cfg.Clock = clock
		}
	})
}

// WithListener registers the initial listener.
func WithListener(l Listener) Option {
	return optionFunc(func(cfg *config) {
		cfg.Listener = l
	})
}

// WithFailClosedOnMissingTrust cancels challenges for pinned hosts that
// arrive without trust material. By default such challenges are handed back
// for default handling.
func WithFailClosedOnMissingTrust() Option {
	return optionFunc(func(cfg *config) {
		cfg.FailClosedOnMissingTrust = true
	})
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

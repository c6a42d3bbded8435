package policy

import "github.com/jonboulle/clockwork"

type config struct {
	name          string
	validateChain bool
	validateHost  bool
	clock         clockwork.Clock
}

type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(cfg *config) {
	f(cfg)
}

// WithName labels the policy in logs and metrics.
func WithName(name string) Option {
	return optionFunc(func(cfg *config) {
		cfg.name = name
	})
}

func WithValidateChain(validate bool) Option {
	return optionFunc(func(cfg *config) {
		cfg.validateChain = validate
	})
}

func WithValidateHost(validate bool) Option {
	return optionFunc(func(cfg *config) {
		cfg.validateHost = validate
	})
}

// WithClock sets the clock used as the verification time for chain
// validation.
func WithClock(clock clockwork.Clock) Option {
	return optionFunc(func(cfg *config) {
		if clock != nil {
			cfg.clock = clock
		}
	})
}

// Package certpin decides the outcome of TLS server-trust challenges for
// pinned hosts.
//
// An Evaluator looks the challenged host up in a PolicySource. Hosts without
// a policy are handed back to the transport for default handling, so pinning
// is opt-in per host. Hosts with a policy must present a chain the policy
// trusts or the challenge is cancelled. Every verdict is reported to the
// registered Listener before it is returned.
package certpin

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cloudflare/certpin/policy"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const ScopeName = "github.com/cloudflare/certpin"

const instrumentationVersion = "0.1.0"

// PolicySource resolves the pinning policy for a host. It must be safe for
// concurrent use.
type PolicySource interface {
	Lookup(host string) (*policy.Policy, bool)
}

// Evaluator turns challenges into verdicts. It holds no per-challenge state
// and is safe to call from many goroutines at once.
type Evaluator struct {
	policies                 PolicySource
	listener                 atomic.Value // listenerSlot
	logger                   logrus.FieldLogger
	clock                    clockwork.Clock
	failClosedOnMissingTrust bool

	challenges metric.Int64Counter
	duration   metric.Float64Histogram
}

// New creates an Evaluator consulting policies. The policy source is never
// modified by the Evaluator.
func New(policies PolicySource, opts ...Option) (*Evaluator, error) {
	cfg := &config{
		MeterProvider: otel.GetMeterProvider(),
		Logger:        discardLogger(),
		Clock:         clockwork.NewRealClock(),
	}

	for _, opt := range opts {
		opt.apply(cfg)
	}

	meter := cfg.MeterProvider.Meter(
		ScopeName,
		metric.WithInstrumentationVersion(instrumentationVersion),
	)

	e := &Evaluator{
		policies:                 policies,
		logger:                   cfg.Logger,
		clock:                    cfg.Clock,
		failClosedOnMissingTrust: cfg.FailClosedOnMissingTrust,
	}

	var err error
	e.challenges, err = meter.Int64Counter(
		"certpin.challenges",
		metric.WithUnit("{challenge}"),
		metric.WithDescription("The number of evaluated authentication challenges"),
	)
	if err != nil {
		return nil, err
	}

	e.duration, err = meter.Float64Histogram(
		"certpin.evaluation.duration",
		metric.WithUnit("s"),
		metric.WithDescription("The time spent deciding an authentication challenge"),
	)
	if err != nil {
		return nil, err
	}

	e.SetListener(cfg.Listener)

	return e, nil
}

// SetListener replaces the listener notified of verdicts. Passing nil
// detaches the current listener.
func (e *Evaluator) SetListener(l Listener) {
	e.listener.Store(listenerSlot{listener: l})
}

// ClearListener detaches the current listener. Owners must call it before
// tearing the listener down.
func (e *Evaluator) ClearListener() {
	e.SetListener(nil)
}

// OnAuthChallenge evaluates a challenge for host. trust may be nil when the
// transport has no trust material to offer.
func (e *Evaluator) OnAuthChallenge(host string, trust *ServerTrust, method AuthMethod) Verdict {
	return e.Evaluate(Challenge{
		Host:       host,
		AuthMethod: method,
		Trust:      trust,
	})
}

// Evaluate decides c, notifies the listener and returns the verdict. It
// always returns a verdict: failures inside policy evaluation cancel the
// challenge.
func (e *Evaluator) Evaluate(c Challenge) Verdict {
	start := e.clock.Now()

	verdict, p := e.decide(c)

	e.record(c, p, verdict, e.clock.Since(start))
	e.notify(c, verdict)

	return verdict
}

func (e *Evaluator) decide(c Challenge) (verdict Verdict, p *policy.Policy) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(logrus.Fields{
				"host":  c.Host,
				"panic": r,
			}).Error("recovered from panic while evaluating challenge")
			verdict = Verdict{Disposition: CancelChallenge}
		}
	}()

	if c.AuthMethod != AuthMethodServerTrust {
		return Verdict{Disposition: PerformDefaultHandling}, nil
	}

	if e.policies == nil {
		return Verdict{Disposition: PerformDefaultHandling}, nil
	}

	p, ok := e.policies.Lookup(c.Host)
	if !ok {
		e.logger.WithField("host", c.Host).Debug("no pinning policy for host")
		return Verdict{Disposition: PerformDefaultHandling}, nil
	}

	if c.Trust == nil {
		if e.failClosedOnMissingTrust {
			return Verdict{Disposition: CancelChallenge}, p
		}
		e.logger.WithField("host", c.Host).Debug("pinned host presented no trust material")
		return Verdict{Disposition: PerformDefaultHandling}, p
	}

	if !p.Evaluate(c.Trust.Certificates, c.Host) {
		return Verdict{Disposition: CancelChallenge}, p
	}

	chain := append(c.Trust.Certificates[:0:0], c.Trust.Certificates...)
	return Verdict{
		Disposition: UseCredential,
		Credential:  &Credential{Chain: chain},
	}, p
}

func (e *Evaluator) record(c Challenge, p *policy.Policy, v Verdict, d time.Duration) {
	fields := logrus.Fields{
		"host":        c.Host,
		"method":      c.AuthMethod.String(),
		"disposition": v.Disposition.String(),
	}
	if p != nil {
		fields["policy"] = p.Name()
	}

	switch v.Disposition {
	case CancelChallenge:
		e.logger.WithFields(fields).Warn("pinning challenge cancelled")
	case UseCredential:
		e.logger.WithFields(fields).Debug("pinning challenge accepted")
	}

	attrs := metric.WithAttributes(
		attribute.String("disposition", v.Disposition.String()),
		attribute.Bool("pinned", p != nil),
	)

	ctx := context.Background()
	e.challenges.Add(ctx, 1, attrs)
	e.duration.Record(ctx, d.Seconds(), attrs)
}

func (e *Evaluator) notify(c Challenge, v Verdict) {
	slot, _ := e.listener.Load().(listenerSlot)
	if slot.listener == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(logrus.Fields{
				"host":  c.Host,
				"panic": r,
			}).Error("recovered from panic in challenge listener")
		}
	}()

	if v.Disposition == CancelChallenge {
		slot.listener.ChallengeFailed()
		return
	}
	slot.listener.ChallengeSucceeded()
}

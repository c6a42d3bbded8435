// Package policy decides whether a certificate chain presented for a host is
// trusted by a set of pinned certificates.
//
// A Policy never consults the system trust store. It is immutable once built
// and safe for concurrent use.
package policy

import (
	"bytes"
	"crypto/x509"

	"github.com/jonboulle/clockwork"
)

// Policy pins a host to a set of certificates.
type Policy struct {
	name          string
	pinned        []*x509.Certificate
	roots         *x509.CertPool
	validateChain bool
	validateHost  bool
	clock         clockwork.Clock
}

// New builds a Policy trusting the pinned certificates. Chain and host
// validation are enabled unless switched off with options. A Policy with no
// pinned certificates rejects every chain.
func New(pinned []*x509.Certificate, opts ...Option) *Policy {
	cfg := &config{
		validateChain: true,
		validateHost:  true,
		clock:         clockwork.NewRealClock(),
	}

	for _, opt := range opts {
		opt.apply(cfg)
	}

	p := &Policy{
		name:          cfg.name,
		roots:         x509.NewCertPool(),
		validateChain: cfg.validateChain,
		validateHost:  cfg.validateHost,
		clock:         cfg.clock,
	}

	for _, cert := range pinned {
		if cert == nil {
			continue
		}
		p.pinned = append(p.pinned, cert)
		p.roots.AddCert(cert)
	}

	return p
}

// Name returns the label given with WithName.
func (p *Policy) Name() string { return p.name }

// ValidateChain reports whether every presented certificate must be anchored
// in the pinned set.
func (p *Policy) ValidateChain() bool { return p.validateChain }

// ValidateHost reports whether the leaf must be valid for the host.
func (p *Policy) ValidateHost() bool { return p.validateHost }

// Pinned returns a copy of the pinned certificates.
func (p *Policy) Pinned() []*x509.Certificate {
	return append([]*x509.Certificate(nil), p.pinned...)
}

// Evaluate reports whether chain, leaf first, is trusted for host.
//
// With host validation the leaf must carry a SAN matching host. With chain
// validation every certificate in chain must equal a pinned certificate or
// verify up to one, using the rest of chain as intermediates. Without chain
// validation the leaf must be byte-for-byte one of the pinned certificates.
// A nil Policy trusts nothing.
func (p *Policy) Evaluate(chain []*x509.Certificate, host string) bool {
	if p == nil || len(chain) == 0 || len(p.pinned) == 0 || chain[0] == nil {
		return false
	}

	leaf := chain[0]

	if p.validateHost {
		if err := leaf.VerifyHostname(host); err != nil {
			return false
		}
	}

	if p.validateChain {
		return p.anchored(chain)
	}

	return p.isPinned(leaf)
}

func (p *Policy) anchored(chain []*x509.Certificate) bool {
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		if cert == nil {
			return false
		}
		intermediates.AddCert(cert)
	}

	now := p.clock.Now()
	for i, cert := range chain {
		if p.isPinned(cert) {
			continue
		}

		usage := x509.ExtKeyUsageAny
		if i == 0 {
			usage = x509.ExtKeyUsageServerAuth
		}

		_, err := cert.Verify(x509.VerifyOptions{
			Roots:         p.roots,
			Intermediates: intermediates,
			CurrentTime:   now,
			KeyUsages:     []x509.ExtKeyUsage{usage},
		})
		if err != nil {
			return false
		}
	}

	return true
}

func (p *Policy) isPinned(cert *x509.Certificate) bool {
	for _, pinned := range p.pinned {
		if bytes.Equal(cert.Raw, pinned.Raw) {
			return true
		}
	}
	return false
}

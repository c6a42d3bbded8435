// Package transport hands TLS handshakes made by crypto/tls and net/http to
// a certpin Evaluator.
//
// Verification by crypto/tls is switched off and replaced by a
// VerifyConnection hook: UseCredential accepts the handshake,
// CancelChallenge aborts it, and PerformDefaultHandling runs the standard
// chain and hostname verification against the configured roots.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"strings"

	"github.com/cloudflare/certpin"
	"github.com/pkg/errors"
)

var (
	// ErrPinningFailed is returned from handshakes the Evaluator cancelled.
	ErrPinningFailed = errors.New("transport: certificate pinning failed")

	// ErrNoCertificates is returned when the server presented no chain to
	// verify by default.
	ErrNoCertificates = errors.New("transport: server presented no certificates")
)

// Challenger decides server-trust challenges. *certpin.Evaluator implements
// it.
type Challenger interface {
	Evaluate(certpin.Challenge) certpin.Verdict
}

// VerifyConnection returns a tls.Config.VerifyConnection hook that submits
// each handshake with host to ev. An empty host falls back to the server name
// of the connection. The name is lower-cased and stripped of a trailing dot
// before evaluation, since policies are registered under canonical names.
// roots are used for default handling; nil selects the system roots.
func VerifyConnection(ev Challenger, host string, roots *x509.CertPool) func(cs tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		name := host
		if name == "" {
			name = cs.ServerName
		}
		name = CanonicalHost(name)

		var trust *certpin.ServerTrust
		if len(cs.PeerCertificates) > 0 {
			trust = &certpin.ServerTrust{Certificates: cs.PeerCertificates}
		}

		verdict := ev.Evaluate(certpin.Challenge{
			Host:       name,
			AuthMethod: certpin.AuthMethodServerTrust,
			Trust:      trust,
		})

		switch verdict.Disposition {
		case certpin.UseCredential:
			return nil
		case certpin.CancelChallenge:
			return errors.Wrapf(ErrPinningFailed, "%s", name)
		default:
			return verifyDefault(cs, name, roots)
		}
	}
}

// CanonicalHost returns the form of a DNS host name that policies are
// registered under: lower case without a trailing dot.
func CanonicalHost(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

func verifyDefault(cs tls.ConnectionState, host string, roots *x509.CertPool) error {
	if len(cs.PeerCertificates) == 0 {
		return ErrNoCertificates
	}

	opts := x509.VerifyOptions{
		DNSName:       host,
		Intermediates: x509.NewCertPool(),
		Roots:         roots,
	}

	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}

	_, err := cs.PeerCertificates[0].Verify(opts)
	return err
}

// TLSConfig derives a client configuration for host from base, which may be
// nil. The result verifies handshakes through ev only.
func TLSConfig(ev Challenger, host string, base *tls.Config) *tls.Config {
	cfg := base.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}

	if cfg.ServerName == "" {
		cfg.ServerName = host
	}

	// VerifyConnection performs the verification crypto/tls would have done.
	cfg.InsecureSkipVerify = true
	cfg.VerifyPeerCertificate = nil
	cfg.VerifyConnection = VerifyConnection(ev, host, cfg.RootCAs)

	return cfg
}

// NewTransport returns an http.Transport whose TLS connections are verified
// by ev. It starts from a clone of http.DefaultTransport.
func NewTransport(ev Challenger, opts ...Option) *http.Transport {
	cfg := newConfig(opts)

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ForceAttemptHTTP2 = false

	// Used by the transport for TLS it performs itself, such as through
	// proxies, where the host is only known from the server name.
	t.TLSClientConfig = TLSConfig(ev, "", cfg.tlsConfig)

	t.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		d := &tls.Dialer{
			NetDialer: cfg.dialer,
			Config:    TLSConfig(ev, host, cfg.tlsConfig),
		}
		return d.DialContext(ctx, network, addr)
	}

	return t
}

// NewClient returns an http.Client using NewTransport.
func NewClient(ev Challenger, opts ...Option) *http.Client {
	cfg := newConfig(opts)

	return &http.Client{
		Transport: NewTransport(ev, opts...),
		Timeout:   cfg.timeout,
	}
}

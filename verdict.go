package certpin

import "crypto/x509"

// AuthMethod identifies the kind of authentication a challenge asks for.
type AuthMethod int

const (
	// AuthMethodServerTrust asks whether the server's certificate chain is
	// trusted. It is the only method the Evaluator governs.
	AuthMethodServerTrust AuthMethod = iota
	AuthMethodClientCertificate
	AuthMethodHTTPBasic
	AuthMethodHTTPDigest
	AuthMethodNegotiate
	AuthMethodDefault
)

func (m AuthMethod) String() string {
	switch m {
	case AuthMethodServerTrust:
		return "server-trust"
	case AuthMethodClientCertificate:
		return "client-certificate"
	case AuthMethodHTTPBasic:
		return "http-basic"
	case AuthMethodHTTPDigest:
		return "http-digest"
	case AuthMethodNegotiate:
		return "negotiate"
	case AuthMethodDefault:
		return "default"
	default:
		return "unknown"
	}
}

// ServerTrust is the trust material a transport presents for evaluation.
type ServerTrust struct {
	// Certificates is the presented chain, leaf first.
	Certificates []*x509.Certificate
}

// NewServerTrust parses the raw DER certificates of a handshake.
func NewServerTrust(rawCerts [][]byte) (*ServerTrust, error) {
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return &ServerTrust{Certificates: certs}, nil
}

// Challenge is a single request to decide whether a connection is trusted.
type Challenge struct {
	Host       string
	AuthMethod AuthMethod
	// Trust is nil when the transport could not provide trust material.
	Trust *ServerTrust
}

// Disposition is the action a transport takes for a challenge.
type Disposition int

const (
	// PerformDefaultHandling hands the decision back to the transport's own
	// verification, typically the system trust store.
	PerformDefaultHandling Disposition = iota
	// UseCredential accepts the connection with the evaluated chain.
	UseCredential
	// CancelChallenge aborts the connection.
	CancelChallenge
)

func (d Disposition) String() string {
	switch d {
	case PerformDefaultHandling:
		return "perform-default-handling"
	case UseCredential:
		return "use-credential"
	case CancelChallenge:
		return "cancel-challenge"
	default:
		return "unknown"
	}
}

// Credential is the trust material accepted by a UseCredential verdict.
type Credential struct {
	Chain []*x509.Certificate
}

// State is where a challenge ended up.
type State int

const (
	StateIdle State = iota
	StateEvaluating
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEvaluating:
		return "evaluating"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Verdict is the outcome of one challenge.
type Verdict struct {
	Disposition Disposition
	// Credential is set only when Disposition is UseCredential.
	Credential *Credential
}

// State reports the terminal state of the challenge that produced v.
func (v Verdict) State() State {
	if v.Disposition == CancelChallenge {
		return StateFailed
	}
	return StateCompleted
}

func (v Verdict) String() string {
	return v.Disposition.String()
}

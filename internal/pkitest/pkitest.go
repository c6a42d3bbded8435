// Package pkitest provides a few utility functions shared across tests.
package pkitest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

// CmpBigInt implements a functions that compares big.Ints and is
// compatible with cmp.Comparer.
func CmpBigInt(x, y *big.Int) bool {
	return x.Cmp(y) == 0
}

// NewPrivateKey is a test helper that creates a new ECDSA private key.
func NewPrivateKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.NilError(t, err, "generating ecdsa private key")
	return priv
}

// PemEncode encodes the DER bytes of each certificate into a PEM bundle.
func PemEncode(certs ...*x509.Certificate) []byte {
	var out []byte
	for _, c := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return out
}

// KeyPair is a certificate together with the key it certifies. Authorities
// returned by NewRoot and NewIntermediate can issue further certificates.
type KeyPair struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// NewRoot is a test helper that creates a self-signed certificate authority
// valid from an hour ago until tomorrow.
func NewRoot(t testing.TB, cn string) *KeyPair {
	t.Helper()
	key := NewPrivateKey(t)
	tmpl := caTemplate(t, cn)
	return sign(t, tmpl, tmpl, key, key)
}

// NewIntermediate is a test helper that issues a subordinate certificate
// authority signed by p.
func (p *KeyPair) NewIntermediate(t testing.TB, cn string) *KeyPair {
	t.Helper()
	return sign(t, caTemplate(t, cn), p.Cert, NewPrivateKey(t), p.Key)
}

// NewLeaf is a test helper that issues a server certificate signed by p.
// Names that parse as IP addresses are placed in the IP SAN, the rest in the
// DNS SAN.
func (p *KeyPair) NewLeaf(t testing.TB, names ...string) *KeyPair {
	t.Helper()
	return sign(t, leafTemplate(t, names), p.Cert, NewPrivateKey(t), p.Key)
}

// SelfSignedLeaf is a test helper that creates a server certificate signed
// by its own key.
func SelfSignedLeaf(t testing.TB, names ...string) *KeyPair {
	t.Helper()
	key := NewPrivateKey(t)
	tmpl := leafTemplate(t, names)
	return sign(t, tmpl, tmpl, key, key)
}

// TLSCertificate assembles a tls.Certificate serving p followed by the
// supplied intermediates.
func (p *KeyPair) TLSCertificate(intermediates ...*x509.Certificate) tls.Certificate {
	chain := [][]byte{p.Cert.Raw}
	for _, c := range intermediates {
		chain = append(chain, c.Raw)
	}
	return tls.Certificate{
		Certificate: chain,
		PrivateKey:  p.Key,
		Leaf:        p.Cert,
	}
}

// PEM returns the certificate encoded as PEM.
func (p *KeyPair) PEM() []byte {
	return PemEncode(p.Cert)
}

func serial(t testing.TB) *big.Int {
	t.Helper()
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	assert.NilError(t, err, "generating serial number")
	return n
}

func caTemplate(t testing.TB, cn string) *x509.Certificate {
	t.Helper()
	return &x509.Certificate{
		SerialNumber:          serial(t),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
}

func leafTemplate(t testing.TB, names []string) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: serial(t),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if len(names) > 0 {
		tmpl.Subject = pkix.Name{CommonName: names[0]}
	}
	for _, name := range names {
		if ip := net.ParseIP(name); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
			continue
		}
		tmpl.DNSNames = append(tmpl.DNSNames, name)
	}
	return tmpl
}

func sign(t testing.TB, tmpl, parent *x509.Certificate, key, parentKey *ecdsa.PrivateKey) *KeyPair {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	assert.NilError(t, err, "creating certificate")
	cert, err := x509.ParseCertificate(der)
	assert.NilError(t, err, "parsing certificate")
	return &KeyPair{Cert: cert, Key: key}
}

// Package pinstore loads the certificates a pinning policy trusts.
//
// Stores are read once at startup. A bundle that cannot be decoded is a
// configuration error and must stop the process from serving pinned traffic;
// Watcher reports later changes so the owner can restart with the new pins.
package pinstore

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cloudflare/cfssl/crypto/pkcs7"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const ScopeName = "github.com/cloudflare/certpin/pinstore"

const (
	errReadBundle   = "pinstore: error reading bundle"
	errDecodeBundle = "pinstore: error decoding bundle"
)

var (
	// ErrEmptyBundle is returned when a bundle holds no certificates.
	ErrEmptyBundle = errors.New("pinstore: no certificates found")

	// ErrInvalidBlockType is returned for PEM blocks other than certificates
	// or PKCS#7 bundles.
	ErrInvalidBlockType = errors.New("pinstore: invalid PEM block type")
)

// certificateExtensions lists the files considered when loading a directory.
var certificateExtensions = map[string]bool{
	".cer": true,
	".crt": true,
	".der": true,
	".pem": true,
	".p7b": true,
	".p7c": true,
}

// LoadError reports a bundle that could not be turned into pinned
// certificates.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("unable to load pinned certificates: %v", e.Err)
	}
	return fmt.Sprintf("unable to load pinned certificates from %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Store is an immutable set of pinned certificates.
type Store struct {
	certs   []*x509.Certificate
	sources []string
	paths   []string
}

// Load reads the pinned certificates at path. A directory contributes every
// non-hidden file with a certificate extension; a file is read as is. Files
// may hold PEM, DER or PKCS#7 encoded certificates.
func Load(path string, opts ...Option) (*Store, error) {
	cfg := newConfig(opts)

	files, err := bundleFiles(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	s := &Store{}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, &LoadError{Path: file, Err: errors.Wrap(err, errReadBundle)}
		}

		certs, err := decode(data)
		if err != nil {
			return nil, &LoadError{Path: file, Err: err}
		}

		cfg.logger.WithField("path", file).WithField("certificates", len(certs)).Debug("loaded pinned bundle")
		s.add(file, certs)
		s.paths = append(s.paths, file)
	}

	if len(s.certs) == 0 {
		return nil, &LoadError{Path: path, Err: ErrEmptyBundle}
	}

	if err := s.register(cfg); err != nil {
		return nil, err
	}

	return s, nil
}

// FromBytes decodes pinned certificates from in-memory bundles, such as
// embedded resources.
func FromBytes(blobs [][]byte, opts ...Option) (*Store, error) {
	cfg := newConfig(opts)

	s := &Store{}
	for i, blob := range blobs {
		certs, err := decode(blob)
		if err != nil {
			return nil, &LoadError{Path: fmt.Sprintf("blob[%d]", i), Err: err}
		}
		s.add("", certs)
	}

	if len(s.certs) == 0 {
		return nil, &LoadError{Err: ErrEmptyBundle}
	}

	if err := s.register(cfg); err != nil {
		return nil, err
	}

	return s, nil
}

// Certificates returns the pinned certificates in load order.
func (s *Store) Certificates() []*x509.Certificate {
	return append([]*x509.Certificate(nil), s.certs...)
}

// Paths returns the files the store was read from.
func (s *Store) Paths() []string {
	return append([]string(nil), s.paths...)
}

func (s *Store) Len() int { return len(s.certs) }

// add appends certs, dropping byte-identical duplicates.
func (s *Store) add(source string, certs []*x509.Certificate) {
next:
	for _, cert := range certs {
		for _, have := range s.certs {
			if bytes.Equal(have.Raw, cert.Raw) {
				continue next
			}
		}
		s.certs = append(s.certs, cert)
		s.sources = append(s.sources, source)
	}
}

func (s *Store) register(cfg *config) error {
	meter := cfg.meterProvider.Meter(
		ScopeName,
		metric.WithInstrumentationVersion(instrumentationVersion),
	)

	_, err := meter.Int64ObservableGauge(
		"certificate.not_before_timestamp",
		metric.WithUnit("s"),
		metric.WithDescription("The time after which the pinned certificate is valid. Expressed as seconds since the Unix Epoch"),
		metric.WithInt64Callback(s.observeNotBefore),
	)
	if err != nil {
		return err
	}

	_, err = meter.Int64ObservableGauge(
		"certificate.not_after_timestamp",
		metric.WithUnit("s"),
		metric.WithDescription("The time after which the pinned certificate is invalid. Expressed as seconds since the Unix Epoch"),
		metric.WithInt64Callback(s.observeNotAfter),
	)
	return err
}

func (s *Store) observeNotBefore(_ context.Context, io metric.Int64Observer) error {
	for i, cert := range s.certs {
		io.Observe(cert.NotBefore.Unix(), metric.WithAttributes(s.attributes(i)...))
	}
	return nil
}

func (s *Store) observeNotAfter(_ context.Context, io metric.Int64Observer) error {
	for i, cert := range s.certs {
		io.Observe(cert.NotAfter.Unix(), metric.WithAttributes(s.attributes(i)...))
	}
	return nil
}

func (s *Store) attributes(i int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("certificate.serial", s.certs[i].SerialNumber.String()),
		attribute.String("certificate.path", s.sources[i]),
	}
}

// bundleFiles expands path into the certificate files it names.
func bundleFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, errReadBundle)
	}

	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Wrap(err, errReadBundle)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !isCertificateFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(path, entry.Name()))
	}
	sort.Strings(files)

	return files, nil
}

func isCertificateFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return certificateExtensions[strings.ToLower(filepath.Ext(base))]
}

// decode parses a PEM, DER or PKCS#7 bundle.
func decode(data []byte) ([]*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		return decodePEM(data)
	}

	certs, err := x509.ParseCertificates(data)
	if err == nil {
		if len(certs) == 0 {
			return nil, ErrEmptyBundle
		}
		return certs, nil
	}

	certs, p7err := decodePKCS7(data)
	if p7err != nil {
		return nil, errors.Wrap(err, errDecodeBundle)
	}
	return certs, nil
}

func decodePEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	for {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}
		data = rest

		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, errors.Wrap(err, errDecodeBundle)
			}
			certs = append(certs, cert)
		case "PKCS7":
			bundle, err := decodePKCS7(block.Bytes)
			if err != nil {
				return nil, errors.Wrap(err, errDecodeBundle)
			}
			certs = append(certs, bundle...)
		default:
			return nil, errors.Wrapf(ErrInvalidBlockType, "%q", block.Type)
		}
	}

	if len(bytes.TrimSpace(data)) > 0 {
		return nil, errors.Wrap(errors.New("trailing data after PEM blocks"), errDecodeBundle)
	}

	if len(certs) == 0 {
		return nil, ErrEmptyBundle
	}
	return certs, nil
}

func decodePKCS7(data []byte) ([]*x509.Certificate, error) {
	p, err := pkcs7.ParsePKCS7(data)
	if err != nil {
		return nil, err
	}
	if len(p.Content.SignedData.Certificates) == 0 {
		return nil, ErrEmptyBundle
	}
	return p.Content.SignedData.Certificates, nil
}

func newConfig(opts []Option) *config {
	cfg := &config{
		meterProvider: otel.GetMeterProvider(),
		logger:        discardLogger(),
	}

	for _, opt := range opts {
		opt.apply(cfg)
	}

	return cfg
}

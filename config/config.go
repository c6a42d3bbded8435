// Package config reads pinning policies from a YAML file.
//
// A policy file lists named policies, each pinning a set of certificate
// bundles to a set of domains:
//
//	policies:
//	  - name: google
//	    certificates: [pins/google]
//	    validate_chain: true
//	    validate_host: true
//	    domains: [google.com]
//	fail_closed_on_missing_trust: false
//
// Certificate paths are resolved relative to the directory holding the file.
package config

import (
	"bytes"
	"crypto/x509"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudflare/certpin"
	"github.com/cloudflare/certpin/pinstore"
	"github.com/cloudflare/certpin/policy"
	"github.com/cloudflare/certpin/registry"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	errReadConfig  = "config: error reading policy file"
	errParseConfig = "config: error parsing policy file"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Policy describes one pinning policy.
type Policy struct {
	Name         string   `yaml:"name"`
	Certificates []string `yaml:"certificates"`
	Domains      []string `yaml:"domains"`

	// Both default to true when omitted.
	ValidateChain *bool `yaml:"validate_chain,omitempty"`
	ValidateHost  *bool `yaml:"validate_host,omitempty"`
}

// Config is a parsed policy file.
type Config struct {
	Policies                 []Policy `yaml:"policies"`
	FailClosedOnMissingTrust bool     `yaml:"fail_closed_on_missing_trust"`

	baseDir string
}

// Load reads and validates the policy file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errReadConfig)
	}

	return Parse(data, filepath.Dir(path))
}

// Parse decodes and validates a policy file. Relative certificate paths are
// resolved against baseDir. Unknown keys are rejected.
func Parse(data []byte, baseDir string) (*Config, error) {
	cfg := &Config{baseDir: baseDir}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.Wrap(ErrInvalidConfig, "no policies")
		}
		return nil, errors.Wrap(err, errParseConfig)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that every policy has a unique name, at least one
// certificate path and at least one bare domain name.
func (c *Config) Validate() error {
	if len(c.Policies) == 0 {
		return errors.Wrap(ErrInvalidConfig, "no policies")
	}

	seen := make(map[string]bool, len(c.Policies))
	for i, p := range c.Policies {
		if p.Name == "" {
			return errors.Wrapf(ErrInvalidConfig, "policy %d: missing name", i)
		}
		if seen[p.Name] {
			return errors.Wrapf(ErrInvalidConfig, "policy %q: duplicate name", p.Name)
		}
		seen[p.Name] = true

		if len(p.Certificates) == 0 {
			return errors.Wrapf(ErrInvalidConfig, "policy %q: no certificates", p.Name)
		}
		for _, path := range p.Certificates {
			if strings.TrimSpace(path) == "" {
				return errors.Wrapf(ErrInvalidConfig, "policy %q: empty certificate path", p.Name)
			}
		}

		if len(p.Domains) == 0 {
			return errors.Wrapf(ErrInvalidConfig, "policy %q: no domains", p.Name)
		}
		for _, domain := range p.Domains {
			if err := validateDomain(domain); err != nil {
				return errors.Wrapf(err, "policy %q", p.Name)
			}
		}
	}

	return nil
}

func validateDomain(domain string) error {
	switch {
	case domain == "":
		return errors.Wrap(ErrInvalidConfig, "empty domain")
	case strings.Contains(domain, "://"):
		return errors.Wrapf(ErrInvalidConfig, "domain %q: unexpected scheme", domain)
	case strings.ContainsAny(domain, ":/ \t"):
		return errors.Wrapf(ErrInvalidConfig, "domain %q: not a host name", domain)
	case domain != strings.ToLower(domain):
		return errors.Wrapf(ErrInvalidConfig, "domain %q: must be lower case", domain)
	case strings.HasSuffix(domain, "."):
		return errors.Wrapf(ErrInvalidConfig, "domain %q: trailing dot", domain)
	}
	return nil
}

// CertificatePaths returns every certificate path referenced by the file,
// resolved and without duplicates, in the order they appear.
func (c *Config) CertificatePaths() []string {
	var paths []string
	seen := make(map[string]bool)
	for _, p := range c.Policies {
		for _, path := range p.Certificates {
			resolved := c.resolve(path)
			if seen[resolved] {
				continue
			}
			seen[resolved] = true
			paths = append(paths, resolved)
		}
	}
	return paths
}

// Registry loads the pinned certificates of every policy and registers each
// policy for its domains. Policies later in the file win for domains named
// more than once.
func (c *Config) Registry(opts ...pinstore.Option) (*registry.Registry, error) {
	regs := make([]*registry.Registry, 0, len(c.Policies))
	for _, p := range c.Policies {
		pol, err := c.buildPolicy(p, opts)
		if err != nil {
			return nil, err
		}
		regs = append(regs, registry.Build(pol, p.Domains))
	}
	return registry.Merge(regs...), nil
}

func (c *Config) buildPolicy(p Policy, opts []pinstore.Option) (*policy.Policy, error) {
	var pinned []*x509.Certificate
	for _, path := range p.Certificates {
		store, err := pinstore.Load(c.resolve(path), opts...)
		if err != nil {
			return nil, errors.Wrapf(err, "policy %q", p.Name)
		}
		pinned = append(pinned, store.Certificates()...)
	}

	return policy.New(pinned,
		policy.WithName(p.Name),
		policy.WithValidateChain(boolOr(p.ValidateChain, true)),
		policy.WithValidateHost(boolOr(p.ValidateHost, true)),
	), nil
}

// EvaluatorOptions returns the evaluator settings carried by the file.
func (c *Config) EvaluatorOptions() []certpin.Option {
	var opts []certpin.Option
	if c.FailClosedOnMissingTrust {
		opts = append(opts, certpin.WithFailClosedOnMissingTrust())
	}
	return opts
}

func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) || c.baseDir == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(c.baseDir, path)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

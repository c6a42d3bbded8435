package config

import (
	"crypto/x509"
	"testing"

	"github.com/cloudflare/certpin"
	"github.com/cloudflare/certpin/internal/pkitest"
	"github.com/cloudflare/certpin/pinstore"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
)

const policyFile = `
policies:
  - name: google
    certificates:
      - pins/google
    domains:
      - google.com
  - name: internal
    certificates:
      - pins/internal.pem
      - pins/google
    validate_chain: false
    validate_host: false
    domains:
      - api.internal
fail_closed_on_missing_trust: true
`

func TestLoad(t *testing.T) {
	t.Parallel()

	root := pkitest.NewRoot(t, "Root")
	internal := pkitest.SelfSignedLeaf(t, "api.internal")

	dir := fs.NewDir(t, "test-config",
		fs.WithFile("certpin.yaml", policyFile),
		fs.WithDir("pins",
			fs.WithDir("google", fs.WithFile("root.pem", "", fs.WithBytes(root.PEM()))),
			fs.WithFile("internal.pem", "", fs.WithBytes(internal.PEM())),
		),
	)
	defer dir.Remove()

	cfg, err := Load(dir.Join("certpin.yaml"))
	assert.NilError(t, err)

	no := false
	want := &Config{
		Policies: []Policy{
			{
				Name:         "google",
				Certificates: []string{"pins/google"},
				Domains:      []string{"google.com"},
			},
			{
				Name:          "internal",
				Certificates:  []string{"pins/internal.pem", "pins/google"},
				ValidateChain: &no,
				ValidateHost:  &no,
				Domains:       []string{"api.internal"},
			},
		},
		FailClosedOnMissingTrust: true,
	}
	assert.DeepEqual(t, cfg, want, cmpopts.IgnoreUnexported(Config{}))

	assert.DeepEqual(t, cfg.CertificatePaths(), []string{
		dir.Join("pins", "google"),
		dir.Join("pins", "internal.pem"),
	})

	assert.Assert(t, is.Len(cfg.EvaluatorOptions(), 1))

	reg, err := cfg.Registry()
	assert.NilError(t, err)
	assert.DeepEqual(t, reg.Hosts(), []string{
		"api.internal",
		"google.com",
		"www.api.internal",
		"www.google.com",
	})

	google, ok := reg.Lookup("www.google.com")
	assert.Assert(t, ok)
	assert.Equal(t, google.Name(), "google")
	assert.Assert(t, google.ValidateChain())
	assert.Assert(t, google.ValidateHost())
	assert.Assert(t, is.Len(google.Pinned(), 1))
	assert.Assert(t, google.Pinned()[0].Equal(root.Cert))

	api, ok := reg.Lookup("api.internal")
	assert.Assert(t, ok)
	assert.Equal(t, api.Name(), "internal")
	assert.Assert(t, !api.ValidateChain())
	assert.Assert(t, !api.ValidateHost())
	assert.Assert(t, is.Len(api.Pinned(), 2))

	assert.Assert(t, api.Evaluate([]*x509.Certificate{internal.Cert}, "elsewhere"))
}

func TestParseWithoutFailClosed(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(`
policies:
  - name: a
    certificates: [a.pem]
    domains: [a.example]
`), "/etc/certpin")
	assert.NilError(t, err)
	assert.Assert(t, is.Len(cfg.EvaluatorOptions(), 0))
	assert.DeepEqual(t, cfg.CertificatePaths(), []string{"/etc/certpin/a.pem"})
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		invalid bool
		errMsg  string
	}{
		{
			name:    "empty document",
			data:    "",
			invalid: true,
			errMsg:  "no policies",
		},
		{
			name:    "no policies",
			data:    "policies: []",
			invalid: true,
			errMsg:  "no policies",
		},
		{
			name:   "malformed yaml",
			data:   "policies: [",
			errMsg: "error parsing policy file",
		},
		{
			name: "unknown field",
			data: `
policies:
  - name: a
    certificate: [a.pem]
    domains: [a.example]
`,
			errMsg: "field certificate not found",
		},
		{
			name: "missing name",
			data: `
policies:
  - certificates: [a.pem]
    domains: [a.example]
`,
			invalid: true,
			errMsg:  "policy 0: missing name",
		},
		{
			name: "duplicate name",
			data: `
policies:
  - name: a
    certificates: [a.pem]
    domains: [a.example]
  - name: a
    certificates: [b.pem]
    domains: [b.example]
`,
			invalid: true,
			errMsg:  "duplicate name",
		},
		{
			name: "no certificates",
			data: `
policies:
  - name: a
    domains: [a.example]
`,
			invalid: true,
			errMsg:  "no certificates",
		},
		{
			name: "no domains",
			data: `
policies:
  - name: a
    certificates: [a.pem]
`,
			invalid: true,
			errMsg:  "no domains",
		},
		{
			name: "domain with scheme",
			data: `
policies:
  - name: a
    certificates: [a.pem]
    domains: ["https://a.example"]
`,
			invalid: true,
			errMsg:  "unexpected scheme",
		},
		{
			name: "domain with port",
			data: `
policies:
  - name: a
    certificates: [a.pem]
    domains: ["a.example:443"]
`,
			invalid: true,
			errMsg:  "not a host name",
		},
		{
			name: "upper case domain",
			data: `
policies:
  - name: a
    certificates: [a.pem]
    domains: [A.example]
`,
			invalid: true,
			errMsg:  "must be lower case",
		},
		{
			name: "domain with trailing dot",
			data: `
policies:
  - name: a
    certificates: [a.pem]
    domains: [a.example.]
`,
			invalid: true,
			errMsg:  "trailing dot",
		},
		{
			name: "empty domain",
			data: `
policies:
  - name: a
    certificates: [a.pem]
    domains: [""]
`,
			invalid: true,
			errMsg:  "empty domain",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse([]byte(tc.data), "")
			assert.ErrorContains(t, err, tc.errMsg)
			assert.Equal(t, errors.Is(err, ErrInvalidConfig), tc.invalid)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	dir := fs.NewDir(t, "test-config-missing")
	defer dir.Remove()

	_, err := Load(dir.Join("certpin.yaml"))
	assert.ErrorContains(t, err, "error reading policy file")
}

func TestRegistryLoadError(t *testing.T) {
	t.Parallel()

	dir := fs.NewDir(t, "test-config-load-error",
		fs.WithFile("certpin.yaml", `
policies:
  - name: broken
    certificates: [pins]
    domains: [broken.example]
`),
		fs.WithDir("pins", fs.WithFile("broken.pem", "-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n")),
	)
	defer dir.Remove()

	cfg, err := Load(dir.Join("certpin.yaml"))
	assert.NilError(t, err)

	_, err = cfg.Registry()
	var loadErr *pinstore.LoadError
	assert.Assert(t, errors.As(err, &loadErr))
	assert.Equal(t, loadErr.Path, dir.Join("pins", "broken.pem"))
	assert.ErrorContains(t, err, `policy "broken"`)
}

func TestEvaluatorFromConfig(t *testing.T) {
	t.Parallel()

	leaf := pkitest.SelfSignedLeaf(t, "pinned.example")
	dir := fs.NewDir(t, "test-config-evaluator",
		fs.WithFile("certpin.yaml", `
policies:
  - name: pinned
    certificates: [pinned.pem]
    domains: [pinned.example]
fail_closed_on_missing_trust: true
`),
		fs.WithFile("pinned.pem", "", fs.WithBytes(leaf.PEM())),
	)
	defer dir.Remove()

	cfg, err := Load(dir.Join("certpin.yaml"))
	assert.NilError(t, err)

	reg, err := cfg.Registry()
	assert.NilError(t, err)

	ev, err := certpin.New(reg, cfg.EvaluatorOptions()...)
	assert.NilError(t, err)

	v := ev.OnAuthChallenge("www.pinned.example", nil, certpin.AuthMethodServerTrust)
	assert.Equal(t, v.Disposition, certpin.CancelChallenge)

	v = ev.OnAuthChallenge("pinned.example", &certpin.ServerTrust{
		Certificates: []*x509.Certificate{leaf.Cert},
	}, certpin.AuthMethodServerTrust)
	assert.Equal(t, v.Disposition, certpin.UseCredential)
}

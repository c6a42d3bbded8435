package cli

import (
	"bytes"
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/cloudflare/certpin/config"
	"github.com/cloudflare/certpin/internal/pkitest"
	"github.com/cloudflare/certpin/pinstore"
	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
	"gotest.tools/v3/poll"
)

const testPolicy = `
policies:
  - name: local
    certificates: [pins]
    domains: [127.0.0.1]
  - name: google
    certificates: [pins/root.pem]
    validate_host: false
    domains: [google.com]
`

type pki struct {
	root  *pkitest.KeyPair
	inter *pkitest.KeyPair
	leaf  *pkitest.KeyPair
}

func newPKI(t *testing.T) pki {
	t.Helper()
	root := pkitest.NewRoot(t, "Test Root")
	inter := root.NewIntermediate(t, "Test Intermediate")
	return pki{root: root, inter: inter, leaf: inter.NewLeaf(t, "127.0.0.1")}
}

func newConfigDir(t *testing.T, pinned *pkitest.KeyPair) *fs.Dir {
	t.Helper()
	dir := fs.NewDir(t, "test-cli",
		fs.WithFile("certpin.yaml", testPolicy),
		fs.WithDir("pins", fs.WithFile("root.pem", "", fs.WithBytes(pinned.PEM()))),
	)
	t.Cleanup(dir.Remove)
	return dir
}

func run(ctx context.Context, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer

	cmd := NewCommand("test")
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)

	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func TestValidate(t *testing.T) {
	t.Parallel()

	p := newPKI(t)
	dir := newConfigDir(t, p.root)

	stdout, _, err := run(context.Background(), "validate", "-c", dir.Join("certpin.yaml"))
	assert.NilError(t, err)

	for _, want := range []string{"127.0.0.1", "www.127.0.0.1", "google.com", "www.google.com", "local", "google"} {
		assert.Assert(t, is.Contains(stdout, want))
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	dir := fs.NewDir(t, "test-cli-invalid",
		fs.WithFile("invalid.yaml", "policies: []"),
		fs.WithFile("broken.yaml", `
policies:
  - name: broken
    certificates: [missing]
    domains: [broken.example]
`),
	)
	defer dir.Remove()

	_, _, err := run(context.Background(), "validate", "-c", dir.Join("invalid.yaml"))
	assert.Assert(t, errors.Is(err, config.ErrInvalidConfig))

	_, _, err = run(context.Background(), "validate", "-c", dir.Join("broken.yaml"))
	var loadErr *pinstore.LoadError
	assert.Assert(t, errors.As(err, &loadErr))

	_, _, err = run(context.Background(), "validate", "-c", dir.Join("invalid.yaml"), "--log-level", "loud")
	assert.ErrorContains(t, err, "not a valid logrus Level")
}

func newServer(t *testing.T, p pki) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	srv.TLS = &tls.Config{
		Certificates: []tls.Certificate{p.leaf.TLSCertificate(p.inter.Cert)},
	}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

func TestCheck(t *testing.T) {
	t.Parallel()

	p := newPKI(t)
	srv := newServer(t, p)
	dir := newConfigDir(t, p.root)

	stdout, _, err := run(context.Background(), "check", "-c", dir.Join("certpin.yaml"), "--parallel", "2", srv.URL, srv.URL+"/second")
	assert.NilError(t, err)
	assert.Assert(t, is.Contains(stdout, "204"))
	assert.Assert(t, is.Contains(stdout, "true"))
	assert.Assert(t, is.Contains(stdout, "use-credential"))
}

func TestCheckPinMismatch(t *testing.T) {
	t.Parallel()

	p := newPKI(t)
	srv := newServer(t, p)
	dir := newConfigDir(t, pkitest.NewRoot(t, "Other Root"))

	stdout, stderr, err := run(context.Background(), "check", "-c", dir.Join("certpin.yaml"), srv.URL, "http://127.0.0.1/")
	assert.Assert(t, errors.Is(err, ErrCheckFailed))
	assert.ErrorContains(t, err, "2 of 2")
	assert.Assert(t, is.Contains(stdout, "certificate pinning failed"))
	assert.Assert(t, is.Contains(stdout, "cancel-challenge"))
	assert.Assert(t, is.Contains(stdout, "unsupported scheme"))
	assert.Assert(t, is.Contains(stderr, "pinning challenge cancelled"))
}

func TestWatch(t *testing.T) {
	t.Parallel()

	p := newPKI(t)
	dir := newConfigDir(t, p.root)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, _, err := run(ctx, "watch", "-c", dir.Join("certpin.yaml"))
		done <- err
	}()

	// The watch is only established once the command has loaded the
	// policies, so keep rotating the bundle until it notices. Rotation goes
	// through a rename so the load never sees a partial file.
	var err error
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		fs.Apply(t, dir, fs.WithDir("pins", fs.WithFile(".rotated.pem", "", fs.WithBytes(pkitest.NewRoot(t, "Rotated").PEM()))))
		assert.NilError(t, os.Rename(dir.Join("pins", ".rotated.pem"), dir.Join("pins", "root.pem")))
		select {
		case err = <-done:
			return poll.Success()
		default:
			return poll.Continue("waiting for watch to exit")
		}
	}, poll.WithDelay(50*time.Millisecond), poll.WithTimeout(5*time.Second))

	assert.Assert(t, errors.Is(err, pinstore.ErrBundleChanged))
}

func TestWatchCancelled(t *testing.T) {
	t.Parallel()

	p := newPKI(t)
	dir := newConfigDir(t, p.root)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, _, err := run(ctx, "watch", "-c", dir.Join("certpin.yaml"), "--poll-interval", "1h")
	assert.Assert(t, errors.Is(err, context.DeadlineExceeded))
}

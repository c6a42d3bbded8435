package cli

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cloudflare/certpin"
	"github.com/cloudflare/certpin/registry"
	"github.com/cloudflare/certpin/transport"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// ErrCheckFailed is returned when at least one probed URL failed.
var ErrCheckFailed = errors.New("check failed")

type checkResult struct {
	url         string
	host        string
	pinned      bool
	disposition string
	status      int
	err         error
}

// recorder remembers the last verdict its Challenger returned.
type recorder struct {
	ev transport.Challenger

	mu      sync.Mutex
	verdict *certpin.Verdict
}

func (r *recorder) Evaluate(c certpin.Challenge) certpin.Verdict {
	v := r.ev.Evaluate(c)

	r.mu.Lock()
	r.verdict = &v
	r.mu.Unlock()

	return v
}

// disposition returns the recorded disposition, or "-" when no handshake
// was evaluated.
func (r *recorder) disposition() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.verdict == nil {
		return "-"
	}
	return r.verdict.Disposition.String()
}

func newCheckCommand(o *options) *cobra.Command {
	var (
		parallel int
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "check URL...",
		Short: "Probe HTTPS endpoints through the pinning policies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, reg, err := o.load()
			if err != nil {
				return err
			}

			opts := append(cfg.EvaluatorOptions(), certpin.WithLogger(o.logger))
			ev, err := certpin.New(reg, opts...)
			if err != nil {
				return err
			}

			results := probe(cmd.Context(), ev, reg, args, parallel, timeout)
			return report(cmd, results)
		},
	}

	cmd.Flags().IntVarP(&parallel, "parallel", "p", 4, "maximum number of concurrent probes")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "timeout per probe")

	return cmd
}

// probe issues a HEAD request per URL, at most parallel at a time. Results
// are returned in argument order.
func probe(ctx context.Context, ev transport.Challenger, reg *registry.Registry, urls []string, parallel int, timeout time.Duration) []checkResult {
	results := make([]checkResult, len(urls))

	var g errgroup.Group
	if parallel > 0 {
		g.SetLimit(parallel)
	}

	for i, raw := range urls {
		i, raw := i, raw
		g.Go(func() error {
			results[i] = probeOne(ctx, ev, reg, raw, timeout)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// probeOne uses a client of its own so the verdict it records belongs to
// this URL alone.
func probeOne(ctx context.Context, ev transport.Challenger, reg *registry.Registry, raw string, timeout time.Duration) (res checkResult) {
	res = checkResult{url: raw, disposition: "-"}

	u, err := url.Parse(raw)
	if err != nil {
		res.err = err
		return res
	}
	if u.Scheme != "https" {
		res.err = errors.Errorf("unsupported scheme %q", u.Scheme)
		return res
	}

	res.host = transport.CanonicalHost(u.Hostname())
	_, res.pinned = reg.Lookup(res.host)

	rec := &recorder{ev: ev}
	client := transport.NewClient(rec, transport.WithTimeout(timeout))
	defer client.CloseIdleConnections()
	defer func() { res.disposition = rec.disposition() }()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		res.err = err
		return res
	}

	resp, err := client.Do(req)
	if err != nil {
		res.err = err
		return res
	}
	resp.Body.Close()

	res.status = resp.StatusCode
	return res
}

func report(cmd *cobra.Command, results []checkResult) error {
	failed := 0
	rows := make([][]string, 0, len(results))
	for _, res := range results {
		outcome := strconv.Itoa(res.status)
		if res.err != nil {
			failed++
			outcome = res.err.Error()
		}
		rows = append(rows, []string{
			res.url,
			res.host,
			strconv.FormatBool(res.pinned),
			res.disposition,
			outcome,
		})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("URL", "Host", "Pinned", "Disposition", "Result")
	if err := table.Bulk(rows); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}

	if failed > 0 {
		return errors.Wrapf(ErrCheckFailed, "%d of %d", failed, len(results))
	}
	return nil
}

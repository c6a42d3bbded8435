package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudflare/certpin/config"
	"github.com/cloudflare/certpin/pinstore"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newWatchCommand(o *options) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Exit with an error once a pinned bundle changes on disk",
		Long: "Watch blocks until a pinned certificate bundle referenced by the policy file " +
			"changes, then exits non-zero so a supervisor can restart the process with the new pins.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(o.configPath)
			if err != nil {
				return err
			}

			// Watch before loading the bundles so a rotation racing the load
			// is still reported.
			w, err := pinstore.NewWatcher(cfg.CertificatePaths(),
				pinstore.WithLogger(o.logger),
				pinstore.WithPollInterval(interval),
			)
			if err != nil {
				return err
			}
			defer w.Close()

			if _, err := o.registry(cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			o.logger.WithField("bundles", len(cfg.CertificatePaths())).Info("watching pinned bundles")

			err = w.Start(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&interval, "poll-interval", 0, "poll the bundles at this interval instead of using filesystem notifications")

	return cmd
}

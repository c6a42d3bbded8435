// Package cli implements the certpin command line.
package cli

import (
	"github.com/cloudflare/certpin/config"
	"github.com/cloudflare/certpin/registry"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "certpin.yaml"

type options struct {
	configPath string
	logLevel   string
	logger     *logrus.Logger
}

// NewCommand returns the certpin root command.
func NewCommand(version string) *cobra.Command {
	o := &options{}

	cmd := &cobra.Command{
		Use:           "certpin",
		Short:         "Certificate pinning policy tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := logrus.ParseLevel(o.logLevel)
			if err != nil {
				return err
			}

			o.logger = logrus.New()
			o.logger.SetOutput(cmd.ErrOrStderr())
			o.logger.SetLevel(level)
			o.logger.SetFormatter(&logrus.TextFormatter{
				DisableColors: true,
				FullTimestamp: true,
			})
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&o.configPath, "config", "c", defaultConfigPath, "policy file")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newValidateCommand(o),
		newCheckCommand(o),
		newWatchCommand(o),
	)

	return cmd
}

// load reads the policy file and builds its registry, loading every pinned
// bundle.
func (o *options) load() (*config.Config, *registry.Registry, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}

	reg, err := o.registry(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, reg, nil
}

func (o *options) registry(cfg *config.Config) (*registry.Registry, error) {
	reg, err := cfg.Registry()
	if err != nil {
		return nil, errors.Wrap(err, "unable to load pinned certificates")
	}

	o.logger.WithField("config", o.configPath).WithField("hosts", reg.Len()).Debug("loaded pinning policies")
	return reg, nil
}

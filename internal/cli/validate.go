package cli

import (
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newValidateCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the policy file and list the pinned hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, reg, err := o.load()
			if err != nil {
				return err
			}

			var rows [][]string
			for _, host := range reg.Hosts() {
				p, _ := reg.Lookup(host)
				rows = append(rows, []string{
					host,
					p.Name(),
					strconv.FormatBool(p.ValidateChain()),
					strconv.FormatBool(p.ValidateHost()),
					strconv.Itoa(len(p.Pinned())),
				})
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("Host", "Policy", "Validate Chain", "Validate Host", "Certificates")
			if err := table.Bulk(rows); err != nil {
				return err
			}
			return table.Render()
		},
	}
}

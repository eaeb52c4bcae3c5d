package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newDeploymentsCommand(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "deployments",
		Short: "list the jobs deployed from local notebooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.openStore()
			if err != nil {
				return err
			}
			records, err := st.ListDeployments(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, records)
			}
			if len(records) == 0 {
				if a.cfg.Store.Path == "" {
					fmt.Fprintln(out, "no deployments recorded (store.path is empty, records are kept in memory only)")
					return nil
				}
				fmt.Fprintln(out, "no deployments recorded")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NOTEBOOK\tJOB\tTYPE\tPLATFORM\tSTATE\tUPDATED")
			for _, rec := range records {
				fmt.Fprintf(tw, "%s\t#%d %s\t%s\t%d\t%s\t%s\n",
					rec.NotebookPath,
					rec.Job.ID,
					truncateRunes(rec.Job.Name, 32),
					rec.Job.Capsule,
					rec.Job.PlatformID,
					rec.State,
					rec.UpdatedAt,
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON output")
	return cmd
}

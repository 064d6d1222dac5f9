package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newSeedCmd creates the 'seed' subcommand, which fills todo/ from a ranked
// list of rank,domain rows.
func newSeedCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed <list.csv|gs://bucket/object>",
		Short: "Queues the top domains of a ranked list",
		Long: `Reads rank,domain rows from a local file or a gs:// object and creates a
todo entry for each of the first --num rows. Domains already present in any
queue state are left alone, so seeding is safe to repeat.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.services()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			r, err := a.Storage.Open(ctx, args[0])
			if err != nil {
				return fmt.Errorf("open ranked list: %w", err)
			}
			defer func() { _ = r.Close() }()

			res, err := a.Queue.Seed(ctx, r, a.Config.Seed.Num)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %d, already queued %d, skipped %d\n",
				res.Queued, res.Existing, res.Invalid)
			return nil
		},
	}
	cmd.Flags().Int("num", 0, "number of list rows to queue; 0 queues the whole list")
	return cmd
}

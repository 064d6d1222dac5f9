package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/tranco-dispatch/internal/queue"
)

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints the number of jobs in each queue state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.services()
			if err != nil {
				return err
			}
			counts, err := a.Queue.Counts()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range queue.States {
				fmt.Fprintf(out, "%-9s %d\n", s, counts[s])
			}
			return nil
		},
	}
}

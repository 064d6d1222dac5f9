package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/tranco-dispatch/internal/config"
	"github.com/JakeFAU/tranco-dispatch/internal/work"
)

// newSetupCmd creates the 'setup' subcommand. Each setup action has its own
// boolean flag; --all selects every action. Actions always run in their
// declared order and the first action that fails on any host stops the rest.
func newSetupCmd(c *cli) *cobra.Command {
	var all bool
	selected := make(map[work.Action]*bool)

	cmd := &cobra.Command{
		Use:   "setup [host...]",
		Short: "Prepares worker hosts for crawling",
		Long: `Runs the selected setup actions on every host, in this order:
test-connection, kill-child-processes, delete-client-code,
install-client-code, check-client-code, setup-client-code.
Hosts come from the arguments, the config file and --inventory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.services()
			if err != nil {
				return err
			}
			var actions []work.Action
			for _, action := range work.SetupActions() {
				if all || *selected[action] {
					actions = append(actions, action)
				}
			}
			if len(actions) == 0 {
				return fmt.Errorf("%w: no setup action selected", config.ErrInvalid)
			}

			hosts, err := a.Hosts(args)
			if err != nil {
				return err
			}
			coord, err := a.Coordinator(hosts)
			if err != nil {
				return err
			}
			return coord.Setup(cmd.Context(), actions)
		},
	}

	f := cmd.Flags()
	for _, action := range work.SetupActions() {
		selected[action] = f.Bool(action.String(), false, "run "+action.String())
	}
	f.BoolVar(&all, "all", false, "run every setup action")
	f.String("user", "", "login user on the worker hosts")
	f.String("client-code-path", "", "directory holding the crawl client on each host")
	f.Duration("timeout", 0, "per-command timeout")
	return cmd
}

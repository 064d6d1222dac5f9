// Package cmd defines and implements the CLI commands for the dispatcher
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/tranco-dispatch/internal/app"
	"github.com/JakeFAU/tranco-dispatch/internal/config"
)

const closeTimeout = 10 * time.Second

// flagKeys maps flag names to the config keys they override. A flag only
// takes part when the running command defines it.
var flagKeys = map[string]string{
	"inventory":        "inventory",
	"log-level":        "logging.level",
	"quiet":            "logging.quiet",
	"user":             "user",
	"timeout":          "timeout",
	"client-code-path": "client.code_path",
	"num":              "seed.num",
	"limit":            "crawl.limit",
	"summarize":        "crawl.summarize",
	"recover":          "crawl.recover",
	"binary-path":      "crawl.binary_path",
	"s3-bucket":        "crawl.s3_bucket",
	"seconds":          "crawl.page_seconds",
	"client-timeout":   "crawl.client_timeout",
	"overall-timeout":  "crawl.overall_timeout",
	"status-addr":      "server.addr",
}

// appFactory builds the services for one invocation. Tests swap it to inject
// fakes.
type appFactory func(ctx context.Context, cfg config.Config) (*app.App, error)

func defaultFactory(ctx context.Context, cfg config.Config) (*app.App, error) {
	return app.New(ctx, cfg)
}

// cli carries state shared by the root command and its subcommands.
type cli struct {
	newApp     appFactory
	configPath string
	app        *app.App
}

// newRootCmd creates the root command and attaches every subcommand.
func newRootCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tranco-dispatch",
		Short: "Dispatches ranked-list crawl jobs to a pool of remote workers.",
		Long: `tranco-dispatch prepares a fixed set of worker machines over SSH and
hands them one crawl job per domain from a ranked list. Job state lives in a
directory queue (todo, underway, done, error) so an interrupted run can be
inspected and resumed.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs after flags are parsed and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			opts := make([]config.Option, 0, len(flagKeys))
			for name, key := range flagKeys {
				if f := cmd.Flags().Lookup(name); f != nil {
					opts = append(opts, config.WithFlag(key, f))
				}
			}
			cfg, err := config.Load(c.configPath, opts...)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := c.newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			c.app = a
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "config file (yaml, json or toml)")
	pf.String("inventory", "", "YAML file listing worker hosts")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.Bool("quiet", false, "only log errors and pass --quiet to client scripts")

	cmd.AddCommand(
		newSeedCmd(c),
		newSetupCmd(c),
		newCrawlCmd(c),
		newStatusCmd(c),
	)
	return cmd
}

// run executes the command line in args and releases the services it built.
func run(ctx context.Context, args []string, factory appFactory, out io.Writer) error {
	c := &cli{newApp: factory}
	root := newRootCmd(c)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)

	err := root.ExecuteContext(ctx)
	if c.app != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := c.app.Close(closeCtx); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close services: %w", cerr))
		}
	}
	return err
}

// Execute is the main entry point. Any failure exits with status 1.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], defaultFactory, os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// services returns the services built by the root command.
func (c *cli) services() (*app.App, error) {
	if c.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return c.app, nil
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/tranco-dispatch/internal/api"
	"github.com/JakeFAU/tranco-dispatch/internal/app"
	"github.com/JakeFAU/tranco-dispatch/internal/dispatch"
)

// newCrawlCmd creates the 'crawl' subcommand, which hands every todo job to
// the worker pool and files each one under done/ or error/.
func newCrawlCmd(c *cli) *cobra.Command {
	var report string

	cmd := &cobra.Command{
		Use:   "crawl [host...]",
		Short: "Dispatches queued crawl jobs to the worker hosts",
		Long: `Takes jobs from todo/ lowest rank first, marks each underway and runs the
crawl client for it on the next free host. A job whose command exits 0 moves
to done/, anything else moves it to error/. The command fails if any job
failed or was never dispatched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.services()
			if err != nil {
				return err
			}
			hosts, err := a.Hosts(args)
			if err != nil {
				return err
			}
			coord, err := a.Coordinator(hosts)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if d := a.Config.Crawl.OverallTimeout; d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
			opts := dispatch.CrawlOptions{
				Limit:     a.Config.Crawl.Limit,
				Summarize: a.Config.Crawl.Summarize,
				Recover:   a.Config.Crawl.Recover,
			}

			sum, runErr := runCrawl(ctx, a, coord, opts)
			if !sum.Summarized {
				fmt.Fprintf(cmd.OutOrStdout(), "done %d, failed %d, undispatched %d of %d\n",
					sum.Done, sum.Failed, sum.Undispatched, sum.Selected)
			}
			if report != "" {
				if err := writeReport(context.WithoutCancel(ctx), a, report, sum); err != nil {
					a.Logger.Error("write crawl report", zap.String("location", report), zap.Error(err))
					if runErr == nil {
						runErr = err
					}
				}
			}
			return runErr
		},
	}

	f := cmd.Flags()
	f.Int("limit", 0, "crawl at most this many jobs, lowest rank first (0 means all)")
	f.Bool("summarize", false, "report what would be crawled without contacting any host")
	f.Bool("recover", false, "re-dispatch jobs left in underway/ by an interrupted run")
	f.String("user", "", "login user on the worker hosts")
	f.String("binary-path", "", "browser binary on the worker hosts")
	f.String("client-code-path", "", "directory holding the crawl client on each host")
	f.String("s3-bucket", "", "bucket the client uploads artifacts to")
	f.Int("seconds", 0, "seconds to spend on each page")
	f.Int("client-timeout", 0, "timeout passed to the crawl client, in seconds")
	f.Duration("timeout", 0, "per-command timeout")
	f.Duration("overall-timeout", 0, "stop dispatching new jobs after this long (0 means no limit)")
	f.String("status-addr", "", "serve queue status and metrics on this address while crawling")
	f.StringVar(&report, "report", "", "write a JSON run summary to this path or gs:// object")
	return cmd
}

// runCrawl runs the crawl, alongside the status server when one is
// configured. A server that cannot start cancels the crawl.
func runCrawl(ctx context.Context, a *app.App, coord *dispatch.Coordinator, opts dispatch.CrawlOptions) (dispatch.Summary, error) {
	addr := a.Config.Server.Addr
	if addr == "" || opts.Summarize {
		return coord.Crawl(ctx, opts)
	}

	var sum dispatch.Summary
	g, gctx := errgroup.WithContext(ctx)
	srvCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	g.Go(func() error {
		return api.NewServer(a.Queue, a.Ledger, a.Logger).Serve(srvCtx, addr)
	})
	g.Go(func() error {
		defer stopServer()
		var err error
		sum, err = coord.Crawl(gctx, opts)
		return err
	})
	err := g.Wait()
	return sum, err
}

func writeReport(ctx context.Context, a *app.App, location string, sum dispatch.Summary) error {
	w, err := a.Storage.Create(ctx, location)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		_ = w.Close()
		return fmt.Errorf("encode report: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	a.Logger.Info("crawl report written", zap.String("location", location))
	return nil
}

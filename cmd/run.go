package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-frontier/internal/server"
)

func newWorkerCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume response queues and re-submit failed requests",
		Long: `Runs a pool of consumers over the crawler's response queues. Each
delivery carries a store key; the stored response is read once, checked for
errors and handed to the parser, whose follow-up requests are queued again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRole(cmd, o, server.RoleWorker)
		},
	}
}

func newDownloadCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "Consume request queues and fetch each request",
		Long: `Runs a pool of consumers over the crawler's request queues. Each
request is fetched with colly under the per-domain rate limit, the response is
stored and its key is published to a response queue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRole(cmd, o, server.RoleDownload)
		},
	}
}

func runRole(cmd *cobra.Command, o *rootOptions, role server.Role) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	app, err := server.Build(ctx, o.cfg, role, o.logger, server.Options{})
	if err != nil {
		return fmt.Errorf("build %s: %w", role, err)
	}
	if err := app.Run(ctx); err != nil {
		return fmt.Errorf("run %s: %w", role, err)
	}
	return nil
}

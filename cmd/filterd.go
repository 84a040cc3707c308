package cmd

import (
	"github.com/spf13/cobra"

	bloomdserver "github.com/JakeFAU/crawl-frontier/internal/bloomd/server"
)

func newFilterdCmd(o *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "filterd",
		Short: "Serve bloom filters over the bloomd line protocol",
		Long: `Runs an in-process filter server for local development and tests.
Filters live in memory and are lost on exit.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return bloomdserver.New(o.logger.Named("filterd")).ListenAndServe(ctx, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8673", "address to listen on")
	return cmd
}

// Package cmd defines the frontier command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/config"
	"github.com/JakeFAU/crawl-frontier/internal/logging"
)

// skipConfig marks commands that run without a crawler config.
const skipConfig = "skip-config"

// rootOptions holds what the root command resolves for its subcommands.
type rootOptions struct {
	cfgFile     string
	development bool
	logLevel    string
	cfg         *config.Config
	logger      *zap.Logger
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "frontier",
		Short: "Distributed crawl frontier over AMQP, a sharded store and a bloom filter service.",
		Long: `frontier moves crawl requests and fetched responses between producers,
downloaders and workers. Requests are deduplicated through a bloomd filter,
payloads live in a sharded key-value store and only keys travel over AMQP.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfig] != "true" {
				cfg, err := config.Load(o.cfgFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				o.cfg = &cfg
				o.development = o.development || cfg.Logging.Development
				if o.logLevel == "" {
					o.logLevel = cfg.Logging.Level
				}
			}
			logger, err := logging.New(o.development, o.logLevel)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			o.logger = logger
			zap.ReplaceGlobals(logger)
			return nil
		},

		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if o.logger != nil {
				_ = o.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&o.cfgFile, "config", "", "config file (YAML); FRONTIER_* environment variables override it")
	cmd.PersistentFlags().BoolVar(&o.development, "dev", false, "development logging")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newWorkerCmd(o),
		newDownloadCmd(o),
		newSeedCmd(o),
		newFilterdCmd(o),
		newStatusCmd(o),
	)
	return cmd
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

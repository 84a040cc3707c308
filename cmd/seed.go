package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/broker"
	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/producer"
	"github.com/JakeFAU/crawl-frontier/internal/queue"
	"github.com/JakeFAU/crawl-frontier/internal/server"
)

func newSeedCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed [file]",
		Short: "Queue seed requests for the crawler",
		Long: `Reads one seed per line from file, or stdin when file is "-" or absent.
A line is either a URL or a JSON encoded request. Blank lines and lines
starting with # are skipped. Already queued URLs are dropped by the filter.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open seeds: %w", err)
				}
				defer f.Close()
				in = f
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runSeed(ctx, o, broker.AMQPDialer(o.cfg.Broker), in, cmd.OutOrStdout())
		},
	}
}

func runSeed(ctx context.Context, o *rootOptions, dial broker.Dialer, in io.Reader, out io.Writer) error {
	seeds, err := readSeeds(in, o.cfg.Crawler.Name)
	if err != nil {
		return err
	}

	store, err := server.NewStore(o.cfg, o.logger)
	if err != nil {
		return err
	}
	defer store.Close()
	client, err := server.NewFilterClient(o.cfg, o.logger)
	if err != nil {
		return err
	}
	defer client.Close()
	requests, err := server.NewRequestQueues(ctx, o.cfg, store, client, o.logger.Named("queue"))
	if err != nil {
		return err
	}

	opts := []producer.Option{
		producer.WithRate(o.cfg.Crawler.SeedRPS, o.cfg.Crawler.SeedBurst),
		producer.WithProxyName(o.cfg.Crawler.ProxyName),
		producer.WithLogger(o.logger.Named("producer")),
	}
	if o.cfg.Crawler.NormalizeFingerprints {
		opts = append(opts, producer.WithNormalizedFingerprints())
	}
	prod, err := producer.New(o.cfg.Crawler.Name, requests, opts...)
	if err != nil {
		return err
	}

	conn, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer conn.Close()
	if err := prod.Declare(ctx, func() (queue.Declarer, error) { return conn.Channel() }); err != nil {
		return fmt.Errorf("declare request queues: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	pub, err := broker.NewPublisher(ch, o.logger.Named("publisher"))
	if err != nil {
		return err
	}
	defer pub.Close()

	stats, err := prod.Seed(ctx, pub, seeds)
	o.logger.Info("seeding finished",
		zap.Int("published", stats.Published),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("invalid", stats.Invalid),
		zap.Error(err),
	)
	fmt.Fprintf(out, "published=%d duplicates=%d invalid=%d\n", stats.Published, stats.Duplicates, stats.Invalid)
	if err != nil {
		return fmt.Errorf("seed %s: %w", o.cfg.Crawler.Name, err)
	}
	return nil
}

// readSeeds parses one request per line.
func readSeeds(r io.Reader, crawlerName string) ([]crawler.Request, error) {
	var seeds []crawler.Request
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if !strings.HasPrefix(text, "{") {
			seeds = append(seeds, crawler.NewRequest(crawlerName, text))
			continue
		}
		req := crawler.NewRequest(crawlerName, "")
		if err := json.Unmarshal([]byte(text), &req); err != nil {
			return nil, fmt.Errorf("%w: seed line %d: %v", crawler.ErrValidation, line, err)
		}
		seeds = append(seeds, req)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read seeds: %w", err)
	}
	return seeds, nil
}

package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/server"
	"github.com/JakeFAU/crawl-frontier/internal/storage"
)

func newStatusCmd(o *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Count stored responses waiting for a worker, per store node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := server.NewStore(o.cfg, o.logger)
			if err != nil {
				return err
			}
			defer store.Close()
			return printStatus(cmd.Context(), store, o.cfg.Crawler.Name, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100_000, "maximum keys scanned per node")
	return cmd
}

// printStatus scans the response key range of crawlerName on every node.
func printStatus(ctx context.Context, store *storage.Sharded, crawlerName string, limit int, out io.Writer) error {
	prefix := crawler.ResponseKey(crawlerName, "")
	// ';' sorts right after ':' so the range covers every key with the prefix.
	end := prefix[:len(prefix)-1] + ";"
	keys, err := store.RangeScan(ctx, prefix, end, limit)
	if err != nil {
		return fmt.Errorf("scan responses: %w", err)
	}

	nodes := store.Nodes()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].String() < nodes[j].String() })
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tPENDING")
	total := 0
	for _, n := range nodes {
		count := len(keys[n])
		total += count
		fmt.Fprintf(w, "%s\t%d\n", n, count)
	}
	fmt.Fprintf(w, "total\t%d\n", total)
	return w.Flush()
}

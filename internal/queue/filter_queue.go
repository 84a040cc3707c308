package queue

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawl-frontier/internal/bloomd"
	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// Defaults for a crawler's dedup filter.
const (
	DefaultFilterCapacity = 100_000_000
	DefaultFilterProb     = 1e-5
)

// FilterQueue records which fingerprints a crawler has already queued.
type FilterQueue struct {
	filter *bloomd.Filter
}

// NewFilterQueue creates the crawler's filter, or attaches to it when it
// already exists. An existing filter keeps its creation capacity and
// probability.
func NewFilterQueue(ctx context.Context, client *bloomd.Client, crawlerName string, capacity int, prob float64) (*FilterQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: filter queue needs a filter client", crawler.ErrConfiguration)
	}
	if crawlerName == "" {
		return nil, fmt.Errorf("%w: filter queue needs a crawler name", crawler.ErrConfiguration)
	}
	if capacity <= 0 {
		capacity = DefaultFilterCapacity
	}
	if prob <= 0 {
		prob = DefaultFilterProb
	}
	f, err := client.CreateFilter(ctx, crawlerName, bloomd.FilterOptions{Capacity: capacity, Prob: prob})
	if err != nil {
		return nil, fmt.Errorf("open filter for %s: %w", crawlerName, err)
	}
	return &FilterQueue{filter: f}, nil
}

// Filter returns the underlying filter.
func (q *FilterQueue) Filter() *bloomd.Filter {
	return q.filter
}

// IsMember reports whether fingerprint was pushed before. False positives
// happen at the configured rate; false negatives do not.
func (q *FilterQueue) IsMember(ctx context.Context, fingerprint string) (bool, error) {
	return q.filter.Contains(ctx, fingerprint)
}

// Push marks fingerprint as seen.
func (q *FilterQueue) Push(ctx context.Context, fingerprint string) error {
	_, err := q.filter.Add(ctx, fingerprint)
	return err
}

// Package producer seeds a crawler's request queues.
package producer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
	"github.com/JakeFAU/crawl-frontier/internal/queue"
)

// Stats counts the outcome of one Seed call.
type Stats struct {
	Published  int
	Duplicates int
	Invalid    int
}

// Producer spreads requests over the request queues of one crawler.
type Producer struct {
	crawlerName string
	queues      []*queue.RequestQueue
	limiter     *rate.Limiter
	normalize   bool
	proxyName   string
	logger      *zap.Logger
}

// Option configures a Producer.
type Option func(*Producer)

// WithRate limits seeding to rps requests per second. Zero or less removes
// the limit.
func WithRate(rps float64, burst int) Option {
	return func(p *Producer) {
		if rps <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithNormalizedFingerprints dedups on crawler.NormalizeURL instead of the
// raw URL.
func WithNormalizedFingerprints() Option {
	return func(p *Producer) { p.normalize = true }
}

// WithProxyName routes requests that name no proxy through proxy.
func WithProxyName(proxy string) Option {
	return func(p *Producer) { p.proxyName = proxy }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Producer) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New returns a Producer over queues, which must all belong to crawlerName.
func New(crawlerName string, queues []*queue.RequestQueue, opts ...Option) (*Producer, error) {
	if crawlerName == "" || len(queues) == 0 {
		return nil, fmt.Errorf("%w: producer needs a crawler name and request queues", crawler.ErrConfiguration)
	}
	for _, q := range queues {
		if q.Exchange() != crawlerName {
			return nil, fmt.Errorf("%w: queue %s belongs to crawler %s", crawler.ErrConfiguration, q.Name(), q.Exchange())
		}
	}
	p := &Producer{
		crawlerName: crawlerName,
		queues:      queues,
		limiter:     rate.NewLimiter(rate.Inf, 0),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("crawler", crawlerName))
	return p, nil
}

// Declare declares every request queue and the error queue. open returns a
// fresh channel per declaration; Declare closes it.
func (p *Producer) Declare(ctx context.Context, open func() (queue.Declarer, error)) error {
	for _, q := range p.queues {
		ch, err := open()
		if err != nil {
			return fmt.Errorf("open declare channel: %w", err)
		}
		if err := q.Declare(ctx, ch); err != nil {
			return err
		}
	}
	ch, err := open()
	if err != nil {
		return fmt.Errorf("open declare channel: %w", err)
	}
	return p.queues[0].DeclareErrorQueue(ctx, ch)
}

// Fingerprint returns the dedup key of r.
func (p *Producer) Fingerprint(r crawler.Request) (string, error) {
	if !p.normalize {
		return r.URL, nil
	}
	return crawler.NormalizeURL(r.URL)
}

// QueueFor returns the request queue fingerprint is routed to.
func (p *Producer) QueueFor(fingerprint string) *queue.RequestQueue {
	return p.queues[xxhash.Sum64String(fingerprint)%uint64(len(p.queues))]
}

// Push safe-pushes r to the queue its fingerprint routes to, without rate
// limiting. An empty crawler name or proxy name is filled in.
func (p *Producer) Push(ctx context.Context, pub queue.Publisher, r crawler.Request) (bool, error) {
	if r.CrawlerName == "" {
		r.CrawlerName = p.crawlerName
	}
	if r.ProxyName == "" {
		r.ProxyName = p.proxyName
	}
	fp, err := p.Fingerprint(r)
	if err != nil {
		return false, err
	}
	return p.QueueFor(fp).SafePush(ctx, pub, r, fp)
}

// Seed pushes every request under the seed rate limit. Invalid requests are
// counted and skipped; any other failure stops seeding and is returned with
// the stats so far.
func (p *Producer) Seed(ctx context.Context, pub queue.Publisher, requests []crawler.Request) (Stats, error) {
	var stats Stats
	for _, r := range requests {
		if err := p.wait(ctx); err != nil {
			return stats, err
		}
		ok, err := p.Push(ctx, pub, r)
		switch {
		case ok:
			stats.Published++
		case err == nil:
			stats.Duplicates++
		}
		switch {
		case errors.Is(err, crawler.ErrValidation):
			stats.Invalid++
			p.logger.Warn("skipping invalid seed", zap.String("url", r.URL), zap.Error(err))
		case err != nil:
			return stats, fmt.Errorf("seed %s: %w", r.URL, err)
		}
	}
	p.logger.Info("seeding finished",
		zap.Int("published", stats.Published),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("invalid", stats.Invalid),
	)
	return stats, nil
}

func (p *Producer) wait(ctx context.Context) error {
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("seed rate limit: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay("seed", waited)
	}
	return nil
}

// Package downloader consumes request queues, fetches each request and hands
// the stored response to a response queue.
package downloader

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/broker"
	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
	"github.com/JakeFAU/crawl-frontier/internal/queue"
)

// Fetcher executes one request.
type Fetcher interface {
	Fetch(ctx context.Context, request crawler.Request) (crawler.Response, error)
}

// Limiter paces fetches per target.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Downloader is a broker.Handler for request queues.
type Downloader struct {
	crawlerName string
	fetcher     Fetcher
	limiter     Limiter
	responses   []*queue.ResponseQueue
	logger      *zap.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLimiter paces fetches through l.
func WithLimiter(l Limiter) Option {
	return func(d *Downloader) { d.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Downloader) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New builds a Downloader for crawlerName. Responses are spread over
// responses by key hash.
func New(crawlerName string, fetcher Fetcher, responses []*queue.ResponseQueue, opts ...Option) (*Downloader, error) {
	if crawlerName == "" || fetcher == nil {
		return nil, fmt.Errorf("%w: downloader needs a crawler name and a fetcher", crawler.ErrConfiguration)
	}
	if len(responses) == 0 {
		return nil, fmt.Errorf("%w: downloader needs at least one response queue", crawler.ErrConfiguration)
	}
	d := &Downloader{
		crawlerName: crawlerName,
		fetcher:     fetcher,
		responses:   responses,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("crawler", crawlerName))
	return d, nil
}

// Setup declares every response queue. It runs at the start of each
// consumer session.
func (d *Downloader) Setup(ctx context.Context, s *broker.Session) error {
	for _, rq := range d.responses {
		ch, err := s.Channel()
		if err != nil {
			return fmt.Errorf("open declare channel: %w", err)
		}
		if err := rq.Declare(ctx, ch); err != nil {
			return err
		}
	}
	return nil
}

// ResponseQueue returns the queue that carries key.
func (d *Downloader) ResponseQueue(key string) *queue.ResponseQueue {
	return d.responses[xxhash.Sum64String(key)%uint64(len(d.responses))]
}

// Handle fetches the request in del, stores the response and publishes its
// key. The delivery is acked only after the key is confirmed; malformed
// requests are rejected without requeue.
func (d *Downloader) Handle(ctx context.Context, s *broker.Session, del amqp.Delivery) error {
	req, err := crawler.UnmarshalRequest(del.Body)
	if err == nil {
		err = req.Validate()
	}
	if err == nil && req.CrawlerName != d.crawlerName {
		err = fmt.Errorf("%w: request for crawler %q", crawler.ErrValidation, req.CrawlerName)
	}
	if err != nil {
		d.logger.Warn("rejecting malformed request", zap.Uint64("delivery_tag", del.DeliveryTag), zap.Error(err))
		if rerr := del.Reject(false); rerr != nil {
			return fmt.Errorf("reject delivery: %w", rerr)
		}
		return nil
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, req.URL); err != nil {
			return err
		}
	}

	resp, err := d.fetcher.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("fetch %s: %w", req.URL, ctx.Err())
		}
		resp = failedResponse(req, resp, err)
		d.logger.Info("fetch failed", zap.String("url", req.URL), zap.Int("error_code", resp.ErrorCode), zap.Error(err))
	}
	metrics.ObserveFetch(req.URL, resp.StatusCode, len(resp.HTML))

	key := crawler.ResponseKey(req.CrawlerName, req.URL)
	rq := d.ResponseQueue(key)
	if err := rq.PushCache(ctx, resp, key); err != nil {
		return err
	}
	ok, err := rq.Push(ctx, s, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: response key %s not confirmed", crawler.ErrTransient, key)
	}
	if err := del.Ack(false); err != nil {
		return fmt.Errorf("ack delivery: %w", err)
	}
	d.logger.Debug("downloaded", zap.String("url", req.URL), zap.Int("status", resp.StatusCode), zap.String("queue", rq.Name()))
	return nil
}

// failedResponse records a fetch error on the response the worker will see.
func failedResponse(req crawler.Request, partial crawler.Response, err error) crawler.Response {
	resp := partial
	resp.URL = req.URL
	resp.CrawlerName = req.CrawlerName
	if resp.HTTPRequest == "" {
		if body, merr := crawler.MarshalRequest(req); merr == nil {
			resp.HTTPRequest = string(body)
		}
	}
	resp.ErrorCode = crawler.ErrorCodeTransport
	if crawler.IsTimeout(err) {
		resp.ErrorCode = crawler.ErrorCodeTimeout
	}
	resp.ErrorMsg = err.Error()
	return resp
}

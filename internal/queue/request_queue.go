package queue

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

// RequestQueue publishes crawler.Requests for one crawler. Requests travel as
// JSON on the crawler's topic exchange, routed by queue name.
type RequestQueue struct {
	crawlerName string
	name        string
	errorName   string
	maxLength   int
	store       Store
	filter      Deduper
	logger      *zap.Logger
}

// NewRequestQueue returns the request queue for crawlerName. The queue is
// named crawler.RequestQueueName(crawlerName, 0, 1) unless WithQueueName says
// otherwise.
func NewRequestQueue(crawlerName string, store Store, filter Deduper, opts ...Option) (*RequestQueue, error) {
	if crawlerName == "" {
		return nil, fmt.Errorf("%w: request queue needs a crawler name", crawler.ErrConfiguration)
	}
	if store == nil || filter == nil {
		return nil, fmt.Errorf("%w: request queue needs a store and a filter", crawler.ErrConfiguration)
	}
	o := buildOptions(opts)
	name := o.queueName
	if name == "" {
		name = crawler.RequestQueueName(crawlerName, 0, 1)
	}
	return &RequestQueue{
		crawlerName: crawlerName,
		name:        name,
		errorName:   crawler.ErrorQueueName(crawlerName),
		maxLength:   o.maxLength,
		store:       store,
		filter:      filter,
		logger:      o.logger.With(zap.String("queue", name)),
	}, nil
}

// Name returns the queue name.
func (q *RequestQueue) Name() string { return q.name }

// ErrorQueueName returns the queue failed requests are re-submitted to.
func (q *RequestQueue) ErrorQueueName() string { return q.errorName }

// Exchange returns the crawler's exchange.
func (q *RequestQueue) Exchange() string { return q.crawlerName }

// Descriptor describes the queue topology.
func (q *RequestQueue) Descriptor() crawler.QueueDescriptor {
	return q.descriptor(q.name)
}

func (q *RequestQueue) descriptor(name string) crawler.QueueDescriptor {
	return crawler.QueueDescriptor{
		Exchange:   q.crawlerName,
		Name:       name,
		RoutingKey: name,
		Durable:    true,
		MaxLength:  q.maxLength,
	}
}

// Declare sets up the exchange, the queue and its binding, then closes ch.
func (q *RequestQueue) Declare(ctx context.Context, ch Declarer) error {
	return Declare(ctx, ch, q.Descriptor())
}

// DeclareErrorQueue sets up the error queue the same way, then closes ch.
func (q *RequestQueue) DeclareErrorQueue(ctx context.Context, ch Declarer) error {
	return Declare(ctx, ch, q.descriptor(q.errorName))
}

// Validate rejects requests this queue must not carry.
func (q *RequestQueue) Validate(r crawler.Request) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.CrawlerName != q.crawlerName {
		return fmt.Errorf("%w: request crawler_name %q does not match queue crawler %q",
			crawler.ErrValidation, r.CrawlerName, q.crawlerName)
	}
	return nil
}

// Push publishes r to the queue without consulting the filter. It reports
// whether the broker confirmed the message. Invalid requests fail before any
// I/O.
func (q *RequestQueue) Push(ctx context.Context, pub Publisher, r crawler.Request) (bool, error) {
	return q.pushTo(ctx, pub, r, q.name, "request")
}

// ErrorPush publishes r to the error queue. The filter is not consulted:
// failed requests are always eligible again.
func (q *RequestQueue) ErrorPush(ctx context.Context, pub Publisher, r crawler.Request) (bool, error) {
	return q.pushTo(ctx, pub, r, q.errorName, "error")
}

func (q *RequestQueue) pushTo(ctx context.Context, pub Publisher, r crawler.Request, queueName, kind string) (bool, error) {
	if err := q.Validate(r); err != nil {
		metrics.ObservePush(kind, "invalid")
		return false, err
	}
	body, err := crawler.MarshalRequest(r)
	if err != nil {
		metrics.ObservePush(kind, "invalid")
		return false, fmt.Errorf("%w: %w", crawler.ErrValidation, err)
	}
	ok, err := pub.Publish(ctx, q.crawlerName, queueName, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Body:         body,
	})
	switch {
	case err != nil:
		metrics.ObservePush(kind, "failed")
		return false, fmt.Errorf("push %s to %s: %w", r.URL, queueName, err)
	case !ok:
		metrics.ObservePush(kind, "unconfirmed")
		return false, nil
	}
	metrics.ObservePush(kind, "published")
	return true, nil
}

// SafePush queues r unless its fingerprint was queued before. An empty
// fingerprint means r.URL. The steps run in this order:
//
//	filter check → store http_request:<crawler>:<url> → publish → filter mark
//
// Each step can fail on its own. A crash between publish and mark queues the
// request again on retry; a request is never marked without being published.
// It reports whether r was published, which is false for duplicates.
func (q *RequestQueue) SafePush(ctx context.Context, pub Publisher, r crawler.Request, fingerprint string) (bool, error) {
	if err := q.Validate(r); err != nil {
		metrics.ObservePush("request", "invalid")
		return false, err
	}
	if fingerprint == "" {
		fingerprint = r.URL
	}
	seen, err := q.filter.IsMember(ctx, fingerprint)
	if err != nil {
		return false, fmt.Errorf("check filter for %s: %w", fingerprint, err)
	}
	if seen {
		metrics.ObservePush("request", "duplicate")
		q.logger.Debug("skipping queued request", zap.String("fingerprint", fingerprint))
		return false, nil
	}
	if err := q.PushCache(ctx, r); err != nil {
		return false, err
	}
	ok, err := q.Push(ctx, pub, r)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: push %s: broker did not confirm", crawler.ErrTransient, r.URL)
	}
	if err := q.filter.Push(ctx, fingerprint); err != nil {
		q.logger.Warn("request queued but not marked", zap.String("fingerprint", fingerprint), zap.Error(err))
		return true, fmt.Errorf("mark %s: %w", fingerprint, err)
	}
	return true, nil
}

// PushCache stores r under crawler.RequestKey without publishing it.
func (q *RequestQueue) PushCache(ctx context.Context, r crawler.Request) error {
	if err := q.Validate(r); err != nil {
		return err
	}
	body, err := crawler.MarshalRequest(r)
	if err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrValidation, err)
	}
	key := crawler.RequestKey(r.CrawlerName, r.URL)
	if err := q.store.Set(ctx, key, body); err != nil {
		return fmt.Errorf("cache request %s: %w", key, err)
	}
	return nil
}

// SafePushCache stores r unless its fingerprint was seen, then marks it. It
// reports whether r was stored.
func (q *RequestQueue) SafePushCache(ctx context.Context, r crawler.Request, fingerprint string) (bool, error) {
	if err := q.Validate(r); err != nil {
		return false, err
	}
	if fingerprint == "" {
		fingerprint = r.URL
	}
	seen, err := q.filter.IsMember(ctx, fingerprint)
	if err != nil {
		return false, fmt.Errorf("check filter for %s: %w", fingerprint, err)
	}
	if seen {
		metrics.ObservePush("cache", "duplicate")
		return false, nil
	}
	if err := q.PushCache(ctx, r); err != nil {
		return false, err
	}
	metrics.ObservePush("cache", "stored")
	if err := q.filter.Push(ctx, fingerprint); err != nil {
		return true, fmt.Errorf("mark %s: %w", fingerprint, err)
	}
	return true, nil
}

// ErrorPushCache stores a failed request for re-submission. The filter is not
// consulted.
func (q *RequestQueue) ErrorPushCache(ctx context.Context, r crawler.Request) error {
	if err := q.PushCache(ctx, r); err != nil {
		return err
	}
	metrics.ObservePush("error_cache", "stored")
	return nil
}

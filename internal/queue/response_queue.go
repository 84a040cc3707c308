package queue

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

// GetStatus is the outcome of ResponseQueue.Get.
type GetStatus int

const (
	// StatusFound means the response was returned and removed from the store.
	StatusFound GetStatus = iota
	// StatusMissing means another consumer took the response already, or it
	// was never stored. It is not an error.
	StatusMissing
)

func (s GetStatus) String() string {
	if s == StatusFound {
		return "found"
	}
	return "missing"
}

// ResponseQueue hands fetched responses to workers. The queue carries store
// keys; the Response is kept in the store until Get takes it.
type ResponseQueue struct {
	crawlerName string
	name        string
	maxLength   int
	store       Store
	logger      *zap.Logger
}

// NewResponseQueue returns the response queue for crawlerName.
func NewResponseQueue(crawlerName string, store Store, opts ...Option) (*ResponseQueue, error) {
	if crawlerName == "" {
		return nil, fmt.Errorf("%w: response queue needs a crawler name", crawler.ErrConfiguration)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: response queue needs a store", crawler.ErrConfiguration)
	}
	o := buildOptions(opts)
	name := o.queueName
	if name == "" {
		name = crawler.ResponseQueueName(crawlerName, 0, 1)
	}
	return &ResponseQueue{
		crawlerName: crawlerName,
		name:        name,
		maxLength:   o.maxLength,
		store:       store,
		logger:      o.logger.With(zap.String("queue", name)),
	}, nil
}

// Name returns the queue name.
func (q *ResponseQueue) Name() string { return q.name }

// Descriptor describes the queue. Response queues live on the default
// exchange.
func (q *ResponseQueue) Descriptor() crawler.QueueDescriptor {
	return crawler.QueueDescriptor{
		Name:       q.name,
		RoutingKey: q.name,
		Durable:    true,
		MaxLength:  q.maxLength,
	}
}

// Declare declares the queue, then closes ch.
func (q *ResponseQueue) Declare(ctx context.Context, ch Declarer) error {
	return Declare(ctx, ch, q.Descriptor())
}

// PushCache stores resp under key.
func (q *ResponseQueue) PushCache(ctx context.Context, resp crawler.Response, key string) error {
	if key == "" {
		return fmt.Errorf("%w: response key is empty", crawler.ErrValidation)
	}
	body, err := crawler.MarshalResponse(resp)
	if err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrValidation, err)
	}
	if err := q.store.Set(ctx, key, body); err != nil {
		return fmt.Errorf("cache response %s: %w", key, err)
	}
	return nil
}

// Push publishes key on the default exchange, routed to this queue.
func (q *ResponseQueue) Push(ctx context.Context, pub Publisher, key string) (bool, error) {
	if key == "" {
		metrics.ObservePush("response", "invalid")
		return false, fmt.Errorf("%w: response key is empty", crawler.ErrValidation)
	}
	ok, err := pub.Publish(ctx, "", q.name, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Transient,
		Body:         []byte(key),
	})
	switch {
	case err != nil:
		metrics.ObservePush("response", "failed")
		return false, fmt.Errorf("push %s to %s: %w", key, q.name, err)
	case !ok:
		metrics.ObservePush("response", "unconfirmed")
		return false, nil
	}
	metrics.ObservePush("response", "published")
	return true, nil
}

// Get takes the response stored under key. Fetch and delete are two store
// calls: two concurrent callers may both see the response. A missing key
// returns StatusMissing and no error.
func (q *ResponseQueue) Get(ctx context.Context, key string) (*crawler.Response, GetStatus, error) {
	data, found, err := q.store.GetAndDelete(ctx, key)
	if err != nil {
		return nil, StatusMissing, fmt.Errorf("get response %s: %w", key, err)
	}
	if !found {
		q.logger.Debug("response already consumed", zap.String("key", key))
		return nil, StatusMissing, nil
	}
	resp, err := crawler.UnmarshalResponse(data)
	if err != nil {
		return nil, StatusMissing, fmt.Errorf("%w: response %s: %w", crawler.ErrProtocol, key, err)
	}
	return &resp, StatusFound, nil
}

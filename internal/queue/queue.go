// Package queue moves crawl work between producers, downloaders and workers.
//
// Request queues carry JSON-encoded crawler.Request bodies on a per-crawler
// topic exchange. Response queues carry store keys on the default exchange;
// the Response itself lives in the sharded store until a worker takes it.
// Deduplication happens on the producer side through a FilterQueue.
package queue

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// Publisher publishes one message and reports whether the broker confirmed
// it. *broker.Publisher and *broker.Session satisfy it.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (bool, error)
}

// Store is the part of the sharded store queues need.
type Store interface {
	Set(ctx context.Context, key string, value []byte) error
	GetAndDelete(ctx context.Context, key string) ([]byte, bool, error)
}

// Deduper answers whether a fingerprint was already queued and records new
// ones. *FilterQueue satisfies it.
type Deduper interface {
	IsMember(ctx context.Context, fingerprint string) (bool, error)
	Push(ctx context.Context, fingerprint string) error
}

// Option configures a RequestQueue or ResponseQueue.
type Option func(*options)

type options struct {
	queueName string
	maxLength int
	logger    *zap.Logger
}

func buildOptions(opts []Option) options {
	o := options{maxLength: crawler.DefaultMaxLength, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithQueueName overrides the default queue name, for example to address one
// of several partitions returned by crawler.RequestQueueName.
func WithQueueName(name string) Option {
	return func(o *options) { o.queueName = name }
}

// WithMaxLength bounds the declared queue. Zero or less leaves it unbounded.
func WithMaxLength(n int) Option {
	return func(o *options) { o.maxLength = n }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

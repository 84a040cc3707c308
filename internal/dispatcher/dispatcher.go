// Package dispatcher runs several independent consumer sessions in one
// process. Each consumer keeps prefetch 1; throughput comes from their number.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-frontier/internal/broker"
	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/id/uuid"
)

// Config describes the consumer pool.
type Config struct {
	// Queues are assigned to consumers round-robin.
	Queues []string
	// Concurrency is the number of consumers. It is raised to len(Queues)
	// so that every queue has at least one consumer.
	Concurrency int
	Prefetch    int
	Backoff     broker.Backoff
	// TagPrefix starts every consumer tag.
	TagPrefix string
}

// Dispatcher fans deliveries out to a pool of consumers.
type Dispatcher struct {
	consumers []*broker.Consumer
	logger    *zap.Logger
}

// New builds one consumer per slot, all sharing handler.
func New(dial broker.Dialer, cfg Config, handler broker.Handler, logger *zap.Logger, opts ...broker.ConsumerOption) (*Dispatcher, error) {
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("%w: dispatcher needs at least one queue", crawler.ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n := max(cfg.Concurrency, len(cfg.Queues))
	if cfg.Concurrency > 0 && cfg.Concurrency < len(cfg.Queues) {
		logger.Warn("concurrency below queue count, one consumer per queue",
			zap.Int("concurrency", cfg.Concurrency), zap.Int("queues", len(cfg.Queues)))
	}
	prefix := cfg.TagPrefix
	if prefix == "" {
		prefix = "frontier"
	}

	gen := uuid.NewUUIDGenerator()
	consumers := make([]*broker.Consumer, 0, n)
	for i := 0; i < n; i++ {
		tag, err := gen.ConsumerTag(prefix, i)
		if err != nil {
			return nil, err
		}
		c, err := broker.NewConsumer(dial, broker.ConsumerConfig{
			Queue:    cfg.Queues[i%len(cfg.Queues)],
			Tag:      tag,
			Prefetch: cfg.Prefetch,
			Backoff:  cfg.Backoff,
		}, handler, append([]broker.ConsumerOption{broker.WithLogger(logger)}, opts...)...)
		if err != nil {
			return nil, err
		}
		consumers = append(consumers, c)
	}
	return &Dispatcher{consumers: consumers, logger: logger}, nil
}

// Consumers returns the pool.
func (d *Dispatcher) Consumers() []*broker.Consumer {
	return append([]*broker.Consumer(nil), d.consumers...)
}

// Run starts every consumer and blocks until all have stopped.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range d.consumers {
		g.Go(func() error {
			if err := c.Run(gctx); err != nil {
				return fmt.Errorf("consumer %s: %w", c.Tag(), err)
			}
			return nil
		})
	}
	d.logger.Info("dispatcher started", zap.Int("consumers", len(d.consumers)))
	if err := g.Wait(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	return nil
}

// Stop asks every consumer to stop. Run returns once they have.
func (d *Dispatcher) Stop() {
	for _, c := range d.consumers {
		c.Stop()
	}
}

// Ready reports whether every consumer is consuming.
func (d *Dispatcher) Ready() bool {
	for _, c := range d.consumers {
		if c.State() != broker.Consuming {
			return false
		}
	}
	return true
}

// States returns the state of each consumer keyed by tag.
func (d *Dispatcher) States() map[string]broker.State {
	out := make(map[string]broker.State, len(d.consumers))
	for _, c := range d.consumers {
		out[c.Tag()] = c.State()
	}
	return out
}

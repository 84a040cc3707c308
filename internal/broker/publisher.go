package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

// ErrNotConfirmed is returned when the broker nacked a message and its
// republish.
var ErrNotConfirmed = errors.New("publish not confirmed by broker")

type pendingPublish struct {
	origin    uint64
	exchange  string
	key       string
	msg       amqp.Publishing
	republish bool
}

// Publisher publishes on a channel in confirm mode and waits for every
// confirmation. A message the broker nacks is published again once; a
// second nack is reported as unconfirmed.
type Publisher struct {
	ch       Channel
	confirms chan amqp.Confirmation
	logger   *zap.Logger

	mu        sync.Mutex
	pending   map[uint64]*pendingPublish
	settled   map[uint64]bool
	abandoned map[uint64]struct{}
}

// NewPublisher puts ch into confirm mode.
func NewPublisher(ch Channel, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &Publisher{
		ch:        ch,
		confirms:  ch.NotifyPublish(make(chan amqp.Confirmation, 64)),
		logger:    logger,
		pending:   make(map[uint64]*pendingPublish),
		settled:   make(map[uint64]bool),
		abandoned: make(map[uint64]struct{}),
	}, nil
}

// Publish sends msg and blocks until the broker confirms it. The trace
// context of ctx travels in the message headers.
func (p *Publisher) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.Headers == nil {
		msg.Headers = amqp.Table{}
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{headers: msg.Headers})

	seq, err := p.send(ctx, &pendingPublish{exchange: exchange, key: key, msg: msg})
	if err != nil {
		return false, err
	}
	return p.await(ctx, seq)
}

// Close closes the underlying channel.
func (p *Publisher) Close() error {
	if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close publish channel: %w", err)
	}
	return nil
}

func (p *Publisher) send(ctx context.Context, pub *pendingPublish) (uint64, error) {
	seq := p.ch.GetNextPublishSeqNo()
	if pub.origin == 0 {
		pub.origin = seq
	}
	if err := p.ch.PublishWithContext(ctx, pub.exchange, pub.key, false, false, pub.msg); err != nil {
		return 0, fmt.Errorf("%w: publish to %q/%q: %v", crawler.ErrTransient, pub.exchange, pub.key, err)
	}
	p.pending[seq] = pub
	return seq, nil
}

// await reads confirmations until the message first sent as origin settles.
func (p *Publisher) await(ctx context.Context, origin uint64) (bool, error) {
	for {
		if ok, done := p.settled[origin]; done {
			delete(p.settled, origin)
			if !ok {
				return false, ErrNotConfirmed
			}
			return true, nil
		}
		select {
		case <-ctx.Done():
			p.abandoned[origin] = struct{}{}
			return false, fmt.Errorf("await publish confirm: %w", ctx.Err())
		case conf, ok := <-p.confirms:
			if !ok {
				return false, fmt.Errorf("%w: publish channel closed before confirm", crawler.ErrTransient)
			}
			p.resolve(ctx, conf)
		}
	}
}

// resolve settles one confirmation. Confirmations left over from an
// abandoned wait are settled by the next one.
func (p *Publisher) resolve(ctx context.Context, conf amqp.Confirmation) {
	pub, ok := p.pending[conf.DeliveryTag]
	if !ok {
		return
	}
	delete(p.pending, conf.DeliveryTag)
	if conf.Ack {
		p.settle(pub.origin, true)
		return
	}

	metrics.ObservePublishNack()
	if pub.republish {
		p.logger.Error("publish nacked twice",
			zap.String("exchange", pub.exchange),
			zap.String("routing_key", pub.key),
		)
		p.settle(pub.origin, false)
		return
	}
	p.logger.Warn("publish nacked, republishing",
		zap.String("exchange", pub.exchange),
		zap.String("routing_key", pub.key),
		zap.Uint64("delivery_tag", conf.DeliveryTag),
	)
	pub.republish = true
	if _, err := p.send(ctx, pub); err != nil {
		p.logger.Error("republish failed", zap.Error(err))
		p.settle(pub.origin, false)
	}
}

func (p *Publisher) settle(origin uint64, ok bool) {
	if _, gone := p.abandoned[origin]; gone {
		delete(p.abandoned, origin)
		return
	}
	p.settled[origin] = ok
}

package queue

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// Declarer is the channel surface topology setup needs. Declare closes it.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Close() error
}

type declareStep int

const (
	stepExchange declareStep = iota
	stepQueue
	stepBind
	stepClose
	stepDone
)

// Declare sets up d on ch and then closes ch:
//
//	exchange → queue → bind → close → done
//
// A descriptor without an exchange skips the exchange and bind steps. Any
// failure jumps straight to close. Declaring the same descriptor again is a
// no-op on the broker.
func Declare(ctx context.Context, ch Declarer, d crawler.QueueDescriptor) error {
	if d.Name == "" {
		return fmt.Errorf("%w: queue descriptor has no name", crawler.ErrConfiguration)
	}
	var err error
	step := stepExchange
	if d.Exchange == "" {
		step = stepQueue
	}
	for step != stepDone {
		if step != stepClose {
			if cerr := ctx.Err(); cerr != nil {
				err = cerr
				step = stepClose
				continue
			}
		}
		switch step {
		case stepExchange:
			err = ch.ExchangeDeclare(d.Exchange, amqp.ExchangeTopic, d.Durable, false, false, false, nil)
			step = advance(err, stepQueue)
		case stepQueue:
			_, err = ch.QueueDeclare(d.Name, d.Durable, false, false, false, queueArgs(d))
			next := stepBind
			if d.Exchange == "" {
				next = stepClose
			}
			step = advance(err, next)
		case stepBind:
			err = ch.QueueBind(d.Name, routingKey(d), d.Exchange, false, nil)
			step = stepClose
		case stepClose:
			if cerr := ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) && err == nil {
				err = cerr
			}
			step = stepDone
		}
	}
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", d.Name, classify(err))
	}
	return nil
}

func advance(err error, next declareStep) declareStep {
	if err != nil {
		return stepClose
	}
	return next
}

func routingKey(d crawler.QueueDescriptor) string {
	if d.RoutingKey == "" {
		return d.Name
	}
	return d.RoutingKey
}

func queueArgs(d crawler.QueueDescriptor) amqp.Table {
	if d.MaxLength <= 0 {
		return nil
	}
	return amqp.Table{"x-max-length": int64(d.MaxLength)}
}

// classify maps a broker error onto the shared error classes. Channel
// exceptions about the topology itself are protocol errors; everything else
// is treated as a lost connection.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused, amqp.NotFound, amqp.ResourceLocked, amqp.PreconditionFailed, amqp.NotAllowed:
			return fmt.Errorf("%w: %w", crawler.ErrProtocol, err)
		}
	}
	return fmt.Errorf("%w: %w", crawler.ErrTransient, err)
}

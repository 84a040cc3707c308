package brokertest

import (
	"context"
	"fmt"
	"sort"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JakeFAU/crawl-frontier/internal/broker"
)

// Conn is a connection to the in-memory broker.
type Conn struct {
	b           *Broker
	closed      bool
	channels    map[*Channel]struct{}
	notifyClose []chan *amqp.Error
}

// Channel opens a channel.
func (c *Conn) Channel() (broker.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		b:         c.b,
		conn:      c,
		seq:       1,
		unacked:   make(map[uint64]*inflight),
		consumers: make(map[string]*consumer),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// NotifyClose registers receiver for the connection close error.
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notifyClose = append(c.notifyClose, receiver)
	return receiver
}

// IsClosed reports whether the connection is closed.
func (c *Conn) IsClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.closed
}

// Close closes the connection and its channels.
func (c *Conn) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)
	return nil
}

func (c *Conn) closeLocked(reason *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	for ch := range c.channels {
		ch.closeLocked(reason)
	}
	for _, n := range c.notifyClose {
		if reason != nil {
			select {
			case n <- reason:
			default:
			}
		}
		close(n)
	}
	c.notifyClose = nil
	delete(c.b.conns, c)
}

// Channel is a channel on the in-memory broker. It also acknowledges the
// deliveries it hands out.
type Channel struct {
	b        *Broker
	conn     *Conn
	closed   bool
	prefetch int
	confirm  bool
	seq      uint64
	tag      uint64

	unacked       map[uint64]*inflight
	consumers     map[string]*consumer
	notifyClose   []chan *amqp.Error
	notifyCancel  []chan string
	notifyPublish []chan amqp.Confirmation
}

// Qos sets the prefetch count for later consumers.
func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume attaches a consumer to a queue.
func (ch *Channel) Consume(queueName, tag string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := ch.b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName)}
	}
	if tag == "" {
		ch.b.generated++
		tag = fmt.Sprintf("ctag-%d", ch.b.generated)
	}
	if _, dup := ch.consumers[tag]; dup {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag)}
	}
	c := &consumer{tag: tag, ch: ch, queue: q, out: make(chan amqp.Delivery, deliveryBuffer), autoAck: autoAck}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	ch.b.dispatchLocked(q)
	return c.out, nil
}

// Cancel detaches a consumer. Its unacknowledged deliveries stay pending
// until acked or the channel closes.
func (ch *Channel) Cancel(tag string, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}
	ch.removeConsumerLocked(c)
	return nil
}

func (ch *Channel) removeConsumerLocked(c *consumer) {
	delete(ch.consumers, c.tag)
	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
	close(c.out)
}

// Confirm puts the channel in confirm mode.
func (ch *Channel) Confirm(_ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

// NotifyPublish registers confirm for publisher confirmations.
func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.notifyPublish = append(ch.notifyPublish, confirm)
	return confirm
}

// NotifyClose registers c for the channel close error.
func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.notifyClose = append(ch.notifyClose, c)
	return c
}

// NotifyCancel registers c for broker-side consumer cancellations.
func (ch *Channel) NotifyCancel(c chan string) chan string {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.notifyCancel = append(ch.notifyCancel, c)
	return c
}

// PublishWithContext routes msg. In confirm mode the outcome is reported on
// the NotifyPublish channels.
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.b.stats.Published++
	var seq uint64
	if ch.confirm {
		seq = ch.seq
		ch.seq++
	}
	if ch.confirm && ch.b.nacks > 0 {
		ch.b.nacks--
		ch.b.stats.Nacked++
		ch.confirmLocked(seq, false)
		return nil
	}
	if err := ch.b.route(message{exchange: exchangeName, key: key, pub: msg}); err != nil {
		return err
	}
	if ch.confirm {
		ch.confirmLocked(seq, true)
	}
	return nil
}

func (ch *Channel) confirmLocked(seq uint64, ack bool) {
	for _, n := range ch.notifyPublish {
		n <- amqp.Confirmation{DeliveryTag: seq, Ack: ack}
	}
}

// GetNextPublishSeqNo returns the sequence number of the next publish.
func (ch *Channel) GetNextPublishSeqNo() uint64 {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	return ch.seq
}

// ExchangeDeclare declares an exchange. Redeclaring with other properties
// fails like PRECONDITION_FAILED.
func (ch *Channel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if existing, ok := ch.b.exchanges[name]; ok {
		if existing.kind != kind || existing.durable != durable {
			return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s'", name)}
		}
		return nil
	}
	ch.b.exchanges[name] = exchange{kind: kind, durable: durable}
	return nil
}

// QueueDeclare declares a queue. Redeclaring with other properties fails
// like PRECONDITION_FAILED.
func (ch *Channel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		ch.b.generated++
		name = fmt.Sprintf("amq.gen-%d", ch.b.generated)
	}
	if q, ok := ch.b.queues[name]; ok {
		if q.durable != durable || !sameArgs(q.args, args) {
			return amqp.Queue{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name)}
		}
		return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}
	ch.b.queues[name] = &queue{
		name:     name,
		durable:  durable,
		maxLen:   maxLength(args),
		args:     args,
		bindings: make(map[Binding]struct{}),
	}
	return amqp.Queue{Name: name}, nil
}

// QueueBind binds a queue to an exchange.
func (ch *Channel) QueueBind(name, key, exchangeName string, _ bool, _ amqp.Table) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	q, ok := ch.b.queues[name]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
	}
	if _, ok := ch.b.exchanges[exchangeName]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)}
	}
	q.bindings[Binding{Exchange: exchangeName, Key: key}] = struct{}{}
	return nil
}

// Close closes the channel and requeues its unacknowledged deliveries.
func (ch *Channel) Close() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	return nil
}

func (ch *Channel) closeLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	for _, c := range ch.consumers {
		ch.removeConsumerLocked(c)
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	touched := make(map[*queue]struct{})
	for _, tag := range tags {
		in := ch.unacked[tag]
		ch.b.requeueLocked(in.queue, in.msg)
		touched[in.queue] = struct{}{}
	}
	ch.unacked = map[uint64]*inflight{}

	for _, n := range ch.notifyClose {
		if reason != nil {
			select {
			case n <- reason:
			default:
			}
		}
		close(n)
	}
	for _, n := range ch.notifyCancel {
		close(n)
	}
	for _, n := range ch.notifyPublish {
		close(n)
	}
	ch.notifyClose, ch.notifyCancel, ch.notifyPublish = nil, nil, nil
	delete(ch.conn.channels, ch)

	for q := range touched {
		ch.b.dispatchLocked(q)
	}
}

// Ack acknowledges a delivery.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, false, false)
}

// Nack negatively acknowledges a delivery.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, true, requeue)
}

// Reject rejects a delivery.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, false, true, requeue)
}

func (ch *Channel) settle(tag uint64, multiple, reject, requeue bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	tags := []uint64{tag}
	if multiple {
		tags = tags[:0]
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	}
	touched := make(map[*queue]struct{})
	for _, t := range tags {
		in, ok := ch.unacked[t]
		if !ok {
			return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", t)}
		}
		delete(ch.unacked, t)
		in.consumer.inflight--
		touched[in.queue] = struct{}{}
		switch {
		case !reject:
			ch.b.stats.Acked++
		case requeue:
			ch.b.stats.Rejected++
			ch.b.requeueLocked(in.queue, in.msg)
		default:
			ch.b.stats.Rejected++
		}
	}
	for q := range touched {
		ch.b.dispatchLocked(q)
	}
	return nil
}

// Package brokertest is an in-memory AMQP broker for tests. It routes through
// direct and topic exchanges, honours prefetch, tracks acknowledgements and
// publisher confirms, and can inject the failures a real broker produces:
// forced connection closure, consumer cancellation, publish nacks and
// refused dials.
package brokertest

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JakeFAU/crawl-frontier/internal/broker"
)

const deliveryBuffer = 256

// Stats counts broker activity.
type Stats struct {
	Dials     int
	Published int
	Nacked    int
	Delivered int
	Acked     int
	Rejected  int
	Requeued  int
}

// Binding is one queue binding.
type Binding struct {
	Exchange string
	Key      string
}

type exchange struct {
	kind    string
	durable bool
}

type message struct {
	exchange    string
	key         string
	pub         amqp.Publishing
	redelivered bool
}

type queue struct {
	name      string
	durable   bool
	maxLen    int64
	args      amqp.Table
	ready     []message
	bindings  map[Binding]struct{}
	consumers []*consumer
	next      int
}

type consumer struct {
	tag      string
	ch       *Channel
	queue    *queue
	out      chan amqp.Delivery
	autoAck  bool
	inflight int
}

type inflight struct {
	msg      message
	queue    *queue
	consumer *consumer
}

// Broker is the in-memory broker. The zero value is not usable; call New.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]exchange
	queues    map[string]*queue
	conns     map[*Conn]struct{}
	nacks     int
	dialFails int
	generated int
	stats     Stats
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
	}
}

// Dial opens a connection. It has the broker.Dialer signature.
func (b *Broker) Dial(_ context.Context) (broker.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dialFails > 0 {
		b.dialFails--
		return nil, fmt.Errorf("dial brokertest: %w", os.NewSyscallError("connect", syscall.ECONNREFUSED))
	}
	b.stats.Dials++
	c := &Conn{b: b, channels: make(map[*Channel]struct{})}
	b.conns[c] = struct{}{}
	return c, nil
}

// Publish routes body as if a client published it, without confirms.
func (b *Broker) Publish(exchangeName, key string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.route(message{exchange: exchangeName, key: key, pub: amqp.Publishing{Body: body}})
}

// Depth returns the number of ready messages in a queue.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Bodies returns the ready message bodies of a queue in order.
func (b *Broker) Bodies(name string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]string, len(q.ready))
	for i, m := range q.ready {
		out[i] = string(m.pub.Body)
	}
	return out
}

// Unacked returns the number of delivered, unacknowledged messages of a queue.
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	if q, ok := b.queues[name]; ok {
		for _, c := range q.consumers {
			n += c.inflight
		}
	}
	return n
}

// Consumers returns the number of consumers attached to a queue.
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// HasQueue reports whether a queue was declared.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueArgs returns the arguments a queue was declared with.
func (b *Broker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

// Exchange returns the kind and durability of a declared exchange.
func (b *Broker) Exchange(name string) (kind string, durable, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	return ex.kind, ex.durable, ok
}

// Bindings returns the bindings of a queue, sorted.
func (b *Broker) Bindings(name string) []Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]Binding, 0, len(q.bindings))
	for bd := range q.bindings {
		out = append(out, bd)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Stats returns a snapshot of the counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// OpenConnections returns the number of live connections.
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// NackNextPublishes makes the broker nack the next n confirmed publishes
// without enqueueing them.
func (b *Broker) NackNextPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacks += n
}

// FailNextDials makes the next n dials fail with connection refused.
func (b *Broker) FailNextDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialFails += n
}

// DropConnections force-closes every connection, as a broker restart would.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		c.closeLocked(&amqp.Error{
			Code:   amqp.ConnectionForced,
			Reason: "CONNECTION_FORCED - broker forced connection closure",
			Server: true,
		})
	}
}

// CancelConsumers cancels every consumer of a queue from the broker side.
func (b *Broker) CancelConsumers(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return
	}
	for _, c := range append([]*consumer(nil), q.consumers...) {
		for _, n := range c.ch.notifyCancel {
			select {
			case n <- c.tag:
			default:
			}
		}
		c.ch.removeConsumerLocked(c)
	}
}

func (b *Broker) route(m message) error {
	if m.exchange == "" {
		if q, ok := b.queues[m.key]; ok {
			b.enqueueLocked(q, m)
		}
		return nil
	}
	ex, ok := b.exchanges[m.exchange]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", m.exchange)}
	}
	for _, q := range b.queues {
		for bd := range q.bindings {
			if bd.Exchange == m.exchange && matches(ex.kind, bd.Key, m.key) {
				b.enqueueLocked(q, m)
				break
			}
		}
	}
	return nil
}

func (b *Broker) enqueueLocked(q *queue, m message) {
	q.ready = append(q.ready, m)
	if q.maxLen > 0 && int64(len(q.ready)) > q.maxLen {
		q.ready = q.ready[int64(len(q.ready))-q.maxLen:]
	}
	b.dispatchLocked(q)
}

func (b *Broker) requeueLocked(q *queue, m message) {
	m.redelivered = true
	q.ready = append([]message{m}, q.ready...)
	b.stats.Requeued++
}

// dispatchLocked hands ready messages to consumers round robin, respecting
// each channel's prefetch.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		delivered := false
		for i := 0; i < len(q.consumers); i++ {
			c := q.consumers[(q.next+i)%len(q.consumers)]
			if !c.ready() {
				continue
			}
			q.next = (q.next + i + 1) % len(q.consumers)
			m := q.ready[0]
			q.ready = q.ready[1:]
			c.deliverLocked(m)
			b.stats.Delivered++
			delivered = true
			break
		}
		if !delivered {
			return
		}
	}
}

func (c *consumer) ready() bool {
	if len(c.out) >= cap(c.out) {
		return false
	}
	return c.autoAck || c.ch.prefetch <= 0 || c.inflight < c.ch.prefetch
}

func (c *consumer) deliverLocked(m message) {
	c.ch.tag++
	tag := c.ch.tag
	if !c.autoAck {
		c.inflight++
		c.ch.unacked[tag] = &inflight{msg: m, queue: c.queue, consumer: c}
	}
	c.out <- amqp.Delivery{
		Acknowledger:    c.ch,
		Headers:         m.pub.Headers,
		ContentType:     m.pub.ContentType,
		ContentEncoding: m.pub.ContentEncoding,
		DeliveryMode:    m.pub.DeliveryMode,
		Priority:        m.pub.Priority,
		CorrelationId:   m.pub.CorrelationId,
		ReplyTo:         m.pub.ReplyTo,
		Expiration:      m.pub.Expiration,
		MessageId:       m.pub.MessageId,
		Timestamp:       m.pub.Timestamp,
		Type:            m.pub.Type,
		AppId:           m.pub.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.key,
		Body:            m.pub.Body,
	}
}

// matches reports whether routing key matches a binding key for the
// exchange kind. Topic patterns support * (one word) and # (zero or more).
func matches(kind, pattern, key string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeTopic:
		return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
	default:
		return pattern == key
	}
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

func maxLength(args amqp.Table) int64 {
	switch v := args["x-max-length"].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}

func sameArgs(a, b amqp.Table) bool {
	return maxLength(a) == maxLength(b)
}

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

const tracerName = "github.com/JakeFAU/crawl-frontier/internal/broker"

// Handler processes one delivery. It owns the ack or nack of d. A returned
// error, like a panic, ends the session; unacknowledged deliveries go back
// to the queue when the channel closes.
type Handler interface {
	Handle(ctx context.Context, s *Session, d amqp.Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, s *Session, d amqp.Delivery) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, s *Session, d amqp.Delivery) error {
	return f(ctx, s, d)
}

// SetupFunc runs once per session before consuming starts, typically to
// declare topology.
type SetupFunc func(ctx context.Context, s *Session) error

// Session is one connected lifetime of a Consumer.
type Session struct {
	*Publisher
	conn Connection
	tag  string
}

// Channel opens an extra channel on the session connection. The caller
// closes it.
func (s *Session) Channel() (Channel, error) {
	return s.conn.Channel()
}

// ConsumerTag returns the tag the session consumes under.
func (s *Session) ConsumerTag() string {
	return s.tag
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Queue string
	// Tag identifies the consumer to the broker. Required.
	Tag string
	// Prefetch bounds unacknowledged deliveries. Zero means 1.
	Prefetch int
	Backoff  Backoff
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithSetup runs fn at the start of every session.
func WithSetup(fn SetupFunc) ConsumerOption {
	return func(c *Consumer) { c.setup = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces the clock used for reconnect delays.
func WithClock(clock clockwork.Clock) ConsumerOption {
	return func(c *Consumer) { c.clock = clock }
}

// OnStateChange registers fn to observe every transition. fn runs on the
// consumer goroutine and must not block.
func OnStateChange(fn func(from, to State)) ConsumerOption {
	return func(c *Consumer) { c.onState = fn }
}

// Consumer consumes one queue with prefetch 1, reconnecting forever until
// stopped. All broker I/O and handler calls happen on the goroutine running
// Run.
type Consumer struct {
	dial    Dialer
	cfg     ConsumerConfig
	handler Handler
	setup   SetupFunc
	logger  *zap.Logger
	clock   clockwork.Clock
	onState func(from, to State)
	tracer  trace.Tracer

	mu    sync.Mutex
	state State

	stopOnce sync.Once
	stop     chan struct{}
}

// NewConsumer returns a Consumer in the Disconnected state.
func NewConsumer(dial Dialer, cfg ConsumerConfig, handler Handler, opts ...ConsumerOption) (*Consumer, error) {
	if dial == nil || handler == nil {
		return nil, fmt.Errorf("%w: consumer needs a dialer and a handler", crawler.ErrConfiguration)
	}
	if cfg.Queue == "" || cfg.Tag == "" {
		return nil, fmt.Errorf("%w: consumer needs a queue and a tag", crawler.ErrConfiguration)
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	c := &Consumer{
		dial:    dial,
		cfg:     cfg,
		handler: handler,
		logger:  zap.NewNop(),
		clock:   clockwork.NewRealClock(),
		tracer:  otel.Tracer(tracerName),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("queue", cfg.Queue), zap.String("consumer_tag", cfg.Tag))
	metrics.ObserveStateChange("", Disconnected.String())
	return c, nil
}

// Queue returns the consumed queue name.
func (c *Consumer) Queue() string { return c.cfg.Queue }

// Tag returns the consumer tag.
func (c *Consumer) Tag() string { return c.cfg.Tag }

// State returns the current state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Consumer) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	metrics.ObserveStateChange(from.String(), to.String())
	c.logger.Debug("consumer state", zap.Stringer("from", from), zap.Stringer("to", to))
	if c.onState != nil {
		c.onState(from, to)
	}
}

// Stop asks Run to cancel the consumer, close the connection and return.
// It does not wait; shutdown failures are logged, not returned.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Run drives the consumer until ctx is done or Stop is called. Recoverable
// failures never end Run; they lead to a reconnect.
func (c *Consumer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	for {
		c.setState(Connecting)
		end, consumed, err := c.session(ctx)
		if ctx.Err() != nil {
			c.setState(Stopped)
			return nil
		}
		c.setState(end)
		if err != nil {
			c.logger.Warn("consumer session ended", zap.Stringer("state", end), zap.Error(err))
		}
		if consumed {
			attempt = 0
		}
		attempt++

		c.setState(Reconnecting)
		metrics.IncReconnects()
		delay := c.cfg.Backoff.Delay(attempt)
		c.logger.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			c.setState(Stopped)
			return nil
		case <-c.clock.After(delay):
		}
	}
}

// session runs one connection. It returns the state that ended it and
// whether consuming ever started.
func (c *Consumer) session(ctx context.Context) (State, bool, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return ConnectionClosed, false, fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Warn("close connection failed", zap.Error(err))
		}
	}()
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.setState(ChannelsOpening)
	consumeCh, err := conn.Channel()
	if err != nil {
		return ChannelClosed, false, fmt.Errorf("open consume channel: %w", err)
	}
	if err := consumeCh.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return ChannelClosed, false, fmt.Errorf("set prefetch: %w", err)
	}
	consumeClosed := consumeCh.NotifyClose(make(chan *amqp.Error, 1))
	cancelled := consumeCh.NotifyCancel(make(chan string, 1))

	publishCh, err := conn.Channel()
	if err != nil {
		return ChannelClosed, false, fmt.Errorf("open publish channel: %w", err)
	}
	publisher, err := NewPublisher(publishCh, c.logger)
	if err != nil {
		return ChannelClosed, false, err
	}
	publishClosed := publishCh.NotifyClose(make(chan *amqp.Error, 1))

	sess := &Session{Publisher: publisher, conn: conn, tag: c.cfg.Tag}
	if c.setup != nil {
		if err := c.setup(ctx, sess); err != nil {
			return ChannelClosed, false, fmt.Errorf("session setup: %w", err)
		}
	}

	deliveries, err := consumeCh.Consume(c.cfg.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		return ChannelClosed, false, fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	c.setState(Consuming)
	c.logger.Info("consuming")

	for {
		select {
		case <-ctx.Done():
			c.shutdown(consumeCh)
			return Stopped, true, nil
		case d, ok := <-deliveries:
			if !ok {
				// A broker cancel also closes the delivery channel.
				select {
				case tag, ok := <-cancelled:
					if ok {
						c.setState(Cancelling)
						return Cancelling, true, fmt.Errorf("consumer %q cancelled by broker", tag)
					}
				default:
				}
				return ChannelClosed, true, errors.New("delivery channel closed")
			}
			if err := c.handle(ctx, sess, d); err != nil {
				return ChannelClosed, true, err
			}
		case amqpErr, ok := <-consumeClosed:
			return ChannelClosed, true, closeReason("consume channel", amqpErr, ok)
		case amqpErr, ok := <-publishClosed:
			return ChannelClosed, true, closeReason("publish channel", amqpErr, ok)
		case amqpErr, ok := <-connClosed:
			return ConnectionClosed, true, closeReason("connection", amqpErr, ok)
		case tag, ok := <-cancelled:
			if !ok {
				return ChannelClosed, true, errors.New("consume channel closed")
			}
			c.setState(Cancelling)
			return Cancelling, true, fmt.Errorf("consumer %q cancelled by broker", tag)
		}
	}
}

// handle runs the handler with panic containment and trace extraction.
func (c *Consumer) handle(ctx context.Context, sess *Session, d amqp.Delivery) (err error) {
	if d.Headers != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier{headers: d.Headers})
	}
	ctx, span := c.tracer.Start(ctx, "consume "+c.cfg.Queue, trace.WithAttributes(
		attribute.String("messaging.destination", c.cfg.Queue),
		attribute.Int64("messaging.delivery_tag", int64(d.DeliveryTag)),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.ObserveDelivery(c.cfg.Queue, "handler_error")
			c.logger.Error("handler failed, closing session",
				zap.Uint64("delivery_tag", d.DeliveryTag),
				zap.Error(err),
			)
			return
		}
		metrics.ObserveDelivery(c.cfg.Queue, "handled")
	}()
	return c.handler.Handle(ctx, sess, d)
}

// shutdown cancels the consumer on the broker. Failures are logged only.
func (c *Consumer) shutdown(ch Channel) {
	c.setState(Cancelling)
	if err := ch.Cancel(c.cfg.Tag, false); err != nil {
		c.logger.Warn("cancel consumer failed", zap.Error(err))
	}
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Warn("close consume channel failed", zap.Error(err))
	}
}

func closeReason(what string, amqpErr *amqp.Error, ok bool) error {
	if !ok || amqpErr == nil {
		return fmt.Errorf("%s closed", what)
	}
	return fmt.Errorf("%s closed: %w", what, amqpErr)
}

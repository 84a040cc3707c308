package broker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/crawl-frontier/internal/broker"
	"github.com/JakeFAU/crawl-frontier/internal/broker/brokertest"
	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func declareQueue(t *testing.T, b *brokertest.Broker, name string) {
	t.Helper()
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	_, err = ch.QueueDeclare(name, true, false, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

type recorder struct {
	mu     sync.Mutex
	bodies []string
	states []broker.State
}

func (r *recorder) body(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, string(b))
}

func (r *recorder) Bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.bodies...)
}

func (r *recorder) state(_, to broker.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *recorder) States() []broker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broker.State(nil), r.states...)
}

func (r *recorder) ackHandler() broker.Handler {
	return broker.HandlerFunc(func(_ context.Context, _ *broker.Session, d amqp.Delivery) error {
		r.body(d.Body)
		return d.Ack(false)
	})
}

// run starts c and returns a function that stops it and waits for Run.
func run(t *testing.T, c *broker.Consumer) func() {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		c.Stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("consumer did not stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

func consuming(c *broker.Consumer) func() bool {
	return func() bool { return c.State() == broker.Consuming }
}

// subsequence reports whether want appears in got in order.
func subsequence(got, want []broker.State) bool {
	i := 0
	for _, s := range got {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	return i == len(want)
}

func TestNewConsumerValidation(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	h := broker.HandlerFunc(func(context.Context, *broker.Session, amqp.Delivery) error { return nil })
	_, err := broker.NewConsumer(nil, broker.ConsumerConfig{Queue: "q", Tag: "t"}, h)
	require.ErrorIs(t, err, crawler.ErrConfiguration)
	_, err = broker.NewConsumer(b.Dial, broker.ConsumerConfig{Tag: "t"}, h)
	require.ErrorIs(t, err, crawler.ErrConfiguration)
	_, err = broker.NewConsumer(b.Dial, broker.ConsumerConfig{Queue: "q"}, h)
	require.ErrorIs(t, err, crawler.ErrConfiguration)
}

func TestConsumerConsumesWithPrefetchOne(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	declareQueue(t, b, "q")
	for _, body := range []string{"1", "2", "3"} {
		require.NoError(t, b.Publish("", "q", []byte(body)))
	}

	release := make(chan struct{})
	rec := &recorder{}
	h := broker.HandlerFunc(func(_ context.Context, _ *broker.Session, d amqp.Delivery) error {
		rec.body(d.Body)
		<-release
		return d.Ack(false)
	})
	c, err := broker.NewConsumer(b.Dial, broker.ConsumerConfig{Queue: "q", Tag: "t"}, h)
	require.NoError(t, err)
	run(t, c)

	require.Eventually(t, func() bool { return len(rec.Bodies()) == 1 }, waitFor, tick)
	require.Equal(t, 1, b.Unacked("q"), "prefetch keeps one message in flight")
	require.Equal(t, 2, b.Depth("q"))

	close(release)
	require.Eventually(t, func() bool { return b.Stats().Acked == 3 }, waitFor, tick)
	require.Equal(t, []string{"1", "2", "3"}, rec.Bodies())
}

func TestConsumerReconnectsWithoutRedeliveringAcked(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	declareQueue(t, b, "q")
	rec := &recorder{}
	c, err := broker.NewConsumer(b.Dial,
		broker.ConsumerConfig{Queue: "q", Tag: "t", Backoff: broker.Backoff{Initial: time.Millisecond}},
		rec.ackHandler(),
		broker.OnStateChange(rec.state),
	)
	require.NoError(t, err)
	run(t, c)
	require.Eventually(t, consuming(c), waitFor, tick)

	require.NoError(t, b.Publish("", "q", []byte("1")))
	require.NoError(t, b.Publish("", "q", []byte("2")))
	require.Eventually(t, func() bool { return b.Stats().Acked == 2 }, waitFor, tick)

	dialsBefore := b.Stats().Dials
	b.DropConnections()
	require.Eventually(t, func() bool {
		return b.Stats().Dials > dialsBefore && c.State() == broker.Consuming
	}, waitFor, tick)

	require.NoError(t, b.Publish("", "q", []byte("3")))
	require.Eventually(t, func() bool { return len(rec.Bodies()) == 3 }, waitFor, tick)
	require.Equal(t, []string{"1", "2", "3"}, rec.Bodies())
	require.True(t, subsequence(rec.States(), []broker.State{
		broker.Consuming, broker.Reconnecting, broker.Connecting, broker.ChannelsOpening, broker.Consuming,
	}), "states: %v", rec.States())
}

func TestConsumerHandlerErrorEndsSessionAndRequeues(t *testing.T) {
	t.Parallel()

	for name, fail := range map[string]func() error{
		"error": func() error { return errors.New("bad payload") },
		"panic": func() error { panic("boom") },
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			b := brokertest.New()
			declareQueue(t, b, "q")
			require.NoError(t, b.Publish("", "q", []byte("poison")))

			var mu sync.Mutex
			var redelivered []bool
			h := broker.HandlerFunc(func(_ context.Context, _ *broker.Session, d amqp.Delivery) error {
				mu.Lock()
				redelivered = append(redelivered, d.Redelivered)
				first := len(redelivered) == 1
				mu.Unlock()
				if first {
					return fail()
				}
				return d.Ack(false)
			})
			c, err := broker.NewConsumer(b.Dial,
				broker.ConsumerConfig{Queue: "q", Tag: "t", Backoff: broker.Backoff{Initial: time.Millisecond}}, h)
			require.NoError(t, err)
			run(t, c)

			require.Eventually(t, func() bool { return b.Stats().Acked == 1 }, waitFor, tick)
			mu.Lock()
			defer mu.Unlock()
			require.Equal(t, []bool{false, true}, redelivered)
			require.GreaterOrEqual(t, b.Stats().Dials, 3)
		})
	}
}

func TestConsumerBrokerCancelReconnects(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	declareQueue(t, b, "q")
	rec := &recorder{}
	c, err := broker.NewConsumer(b.Dial,
		broker.ConsumerConfig{Queue: "q", Tag: "t", Backoff: broker.Backoff{Initial: time.Millisecond}},
		rec.ackHandler(),
		broker.OnStateChange(rec.state),
	)
	require.NoError(t, err)
	run(t, c)
	require.Eventually(t, consuming(c), waitFor, tick)

	b.CancelConsumers("q")
	require.Eventually(t, func() bool {
		return subsequence(rec.States(), []broker.State{broker.Cancelling, broker.Reconnecting, broker.Consuming})
	}, waitFor, tick)
	require.Eventually(t, func() bool { return b.Consumers("q") == 1 }, waitFor, tick)
}

func TestConsumerRetriesFailedDialsAfterDelay(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	declareQueue(t, b, "q")
	b.FailNextDials(1)
	clock := clockwork.NewFakeClock()
	c, err := broker.NewConsumer(b.Dial, broker.ConsumerConfig{Queue: "q", Tag: "t"},
		(&recorder{}).ackHandler(), broker.WithClock(clock))
	require.NoError(t, err)
	run(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.Equal(t, broker.Reconnecting, c.State())

	clock.Advance(999 * time.Millisecond)
	require.Equal(t, broker.Reconnecting, c.State())
	clock.Advance(time.Millisecond)
	require.Eventually(t, consuming(c), waitFor, tick)
}

func TestConsumerStop(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	declareQueue(t, b, "q")
	rec := &recorder{}
	c, err := broker.NewConsumer(b.Dial, broker.ConsumerConfig{Queue: "q", Tag: "t"},
		rec.ackHandler(), broker.OnStateChange(rec.state))
	require.NoError(t, err)
	stop := run(t, c)
	require.Eventually(t, consuming(c), waitFor, tick)

	stop()
	require.Equal(t, broker.Stopped, c.State())
	require.Zero(t, b.OpenConnections())
	require.Zero(t, b.Consumers("q"))
	require.True(t, subsequence(rec.States(), []broker.State{broker.Consuming, broker.Cancelling, broker.Stopped}))
	c.Stop()
}

func TestConsumerSetupRunsEverySession(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	var mu sync.Mutex
	setups := 0
	setup := func(_ context.Context, s *broker.Session) error {
		mu.Lock()
		setups++
		mu.Unlock()
		ch, err := s.Channel()
		if err != nil {
			return err
		}
		if _, err := ch.QueueDeclare("declared", true, false, false, false, nil); err != nil {
			return err
		}
		return ch.Close()
	}
	c, err := broker.NewConsumer(b.Dial,
		broker.ConsumerConfig{Queue: "declared", Tag: "t", Backoff: broker.Backoff{Initial: time.Millisecond}},
		(&recorder{}).ackHandler(), broker.WithSetup(setup))
	require.NoError(t, err)
	run(t, c)
	require.Eventually(t, consuming(c), waitFor, tick)

	b.DropConnections()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return setups == 2 && c.State() == broker.Consuming
	}, waitFor, tick)
}

func TestSessionPublishRepublishesNackedOnce(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	declareQueue(t, b, "in")
	declareQueue(t, b, "out")
	require.NoError(t, b.Publish("", "in", []byte("payload")))
	b.NackNextPublishes(1)

	confirmed := make(chan bool, 1)
	h := broker.HandlerFunc(func(ctx context.Context, s *broker.Session, d amqp.Delivery) error {
		ok, err := s.Publish(ctx, "", "out", amqp.Publishing{Body: d.Body})
		if err != nil {
			return err
		}
		confirmed <- ok
		return d.Ack(false)
	})
	c, err := broker.NewConsumer(b.Dial, broker.ConsumerConfig{Queue: "in", Tag: "t"}, h)
	require.NoError(t, err)
	run(t, c)

	select {
	case ok := <-confirmed:
		require.True(t, ok)
	case <-time.After(waitFor):
		t.Fatal("publish never confirmed")
	}
	stats := b.Stats()
	require.Equal(t, 1, stats.Nacked)
	require.Equal(t, 2, stats.Published, "exactly one republish")
	require.Equal(t, []string{"payload"}, b.Bodies("out"))
}

func TestPublisherDoubleNackIsNotConfirmed(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	declareQueue(t, b, "out")
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	ch, err := conn.Channel()
	require.NoError(t, err)
	pub, err := broker.NewPublisher(ch, nil)
	require.NoError(t, err)

	b.NackNextPublishes(2)
	ok, err := pub.Publish(context.Background(), "", "out", amqp.Publishing{Body: []byte("x")})
	require.ErrorIs(t, err, broker.ErrNotConfirmed)
	require.False(t, ok)
	require.Zero(t, b.Depth("out"))

	ok, err = pub.Publish(context.Background(), "", "out", amqp.Publishing{Body: []byte("y")})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"y"}, b.Bodies("out"))
	require.NoError(t, pub.Close())
}

// Not parallel: installs global otel state.
func TestTraceContextCrossesTheBroker(t *testing.T) {
	prevProp := otel.GetTextMapPropagator()
	prevTP := otel.GetTracerProvider()
	tp := sdktrace.NewTracerProvider()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTextMapPropagator(prevProp)
		otel.SetTracerProvider(prevTP)
		_ = tp.Shutdown(context.Background())
	})

	b := brokertest.New()
	declareQueue(t, b, "q")
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	ch, err := conn.Channel()
	require.NoError(t, err)
	pub, err := broker.NewPublisher(ch, nil)
	require.NoError(t, err)

	ctx, span := tp.Tracer("test").Start(context.Background(), "produce")
	_, err = pub.Publish(ctx, "", "q", amqp.Publishing{Body: []byte("traced")})
	require.NoError(t, err)
	span.End()

	got := make(chan trace.TraceID, 1)
	h := broker.HandlerFunc(func(ctx context.Context, _ *broker.Session, d amqp.Delivery) error {
		got <- trace.SpanContextFromContext(ctx).TraceID()
		return d.Ack(false)
	})
	c, err := broker.NewConsumer(b.Dial, broker.ConsumerConfig{Queue: "q", Tag: "t"}, h)
	require.NoError(t, err)
	run(t, c)

	select {
	case id := <-got:
		require.Equal(t, span.SpanContext().TraceID(), id)
	case <-time.After(waitFor):
		t.Fatal("delivery not handled")
	}
}

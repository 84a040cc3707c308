package queue_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/bloomd"
	"github.com/JakeFAU/crawl-frontier/internal/bloomd/server"
	"github.com/JakeFAU/crawl-frontier/internal/broker"
	"github.com/JakeFAU/crawl-frontier/internal/broker/brokertest"
	"github.com/JakeFAU/crawl-frontier/internal/queue"
	"github.com/JakeFAU/crawl-frontier/internal/ring"
	"github.com/JakeFAU/crawl-frontier/internal/storage"
	"github.com/JakeFAU/crawl-frontier/internal/storage/memory"
)

const crawlerName = "c"

// env wires a request and response pipeline against in-process backends.
type env struct {
	broker *brokertest.Broker
	pub    *broker.Publisher
	store  *storage.Sharded
	client *bloomd.Client
	filter *queue.FilterQueue
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	r, err := ring.New([]ring.Node{{Host: "ssdb-1", Port: 8888}, {Host: "ssdb-2", Port: 8888}})
	require.NoError(t, err)
	store, err := storage.NewSharded(r, func(ring.Node) (storage.Node, error) {
		return memory.NewNode(), nil
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client, err := bloomd.NewClient([]string{startFilterServer(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	filter, err := queue.NewFilterQueue(ctx, client, crawlerName, 10_000, 0.001)
	require.NoError(t, err)

	b := brokertest.New()
	return &env{
		broker: b,
		pub:    newPublisher(t, b),
		store:  store,
		client: client,
		filter: filter,
	}
}

func startFilterServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := server.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return ln.Addr().String()
}

func newPublisher(t *testing.T, b *brokertest.Broker) *broker.Publisher {
	t.Helper()
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	ch, err := conn.Channel()
	require.NoError(t, err)
	pub, err := broker.NewPublisher(ch, nil)
	require.NoError(t, err)
	return pub
}

// channel opens a fresh channel for one Declare call.
func channel(t *testing.T, b *brokertest.Broker) broker.Channel {
	t.Helper()
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	ch, err := conn.Channel()
	require.NoError(t, err)
	return ch
}

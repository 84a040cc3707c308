package downloader_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/broker"
	"github.com/JakeFAU/crawl-frontier/internal/broker/brokertest"
	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/downloader"
	"github.com/JakeFAU/crawl-frontier/internal/queue"
	"github.com/JakeFAU/crawl-frontier/internal/ring"
	"github.com/JakeFAU/crawl-frontier/internal/storage"
	"github.com/JakeFAU/crawl-frontier/internal/storage/memory"
)

const (
	crawlerName  = "shop"
	requestQueue = "http_request:shop"
	waitFor      = 2 * time.Second
	tick         = 5 * time.Millisecond
)

type fetchFunc func(ctx context.Context, r crawler.Request) (crawler.Response, error)

func (f fetchFunc) Fetch(ctx context.Context, r crawler.Request) (crawler.Response, error) {
	return f(ctx, r)
}

func okFetcher(_ context.Context, r crawler.Request) (crawler.Response, error) {
	return crawler.Response{URL: r.URL, StatusCode: 200, Reason: "OK", HTML: "<html>" + r.URL + "</html>", CrawlerName: r.CrawlerName}, nil
}

type countingLimiter struct {
	mu   sync.Mutex
	urls []string
}

func (l *countingLimiter) Wait(_ context.Context, rawURL string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.urls = append(l.urls, rawURL)
	return nil
}

func (l *countingLimiter) URLs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.urls...)
}

type fixture struct {
	broker    *brokertest.Broker
	store     *storage.Sharded
	responses []*queue.ResponseQueue
}

func newFixture(t *testing.T, responseQueues int) *fixture {
	t.Helper()
	r, err := ring.New([]ring.Node{{Host: "ssdb-1", Port: 8888}})
	require.NoError(t, err)
	store, err := storage.NewSharded(r, func(ring.Node) (storage.Node, error) {
		return memory.NewNode(), nil
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var rqs []*queue.ResponseQueue
	for i := 0; i < responseQueues; i++ {
		rq, err := queue.NewResponseQueue(crawlerName, store,
			queue.WithQueueName(crawler.ResponseQueueName(crawlerName, i, responseQueues)))
		require.NoError(t, err)
		rqs = append(rqs, rq)
	}

	b := brokertest.New()
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	_, err = ch.QueueDeclare(requestQueue, true, false, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	return &fixture{broker: b, store: store, responses: rqs}
}

func (f *fixture) publish(t *testing.T, r crawler.Request) {
	t.Helper()
	body, err := crawler.MarshalRequest(r)
	require.NoError(t, err)
	require.NoError(t, f.broker.Publish("", requestQueue, body))
}

func (f *fixture) run(t *testing.T, d *downloader.Downloader) {
	t.Helper()
	c, err := broker.NewConsumer(f.broker.Dial,
		broker.ConsumerConfig{Queue: requestQueue, Tag: "downloader-test", Backoff: broker.Backoff{Initial: 10 * time.Millisecond}},
		d, broker.WithSetup(d.Setup))
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	t.Cleanup(func() {
		c.Stop()
		require.NoError(t, <-done)
	})
}

func (f *fixture) stored(t *testing.T, url string) (*crawler.Response, queue.GetStatus) {
	t.Helper()
	resp, status, err := f.responses[0].Get(context.Background(), crawler.ResponseKey(crawlerName, url))
	require.NoError(t, err)
	return resp, status
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	_, err := downloader.New("", fetchFunc(okFetcher), f.responses)
	require.ErrorIs(t, err, crawler.ErrConfiguration)
	_, err = downloader.New(crawlerName, nil, f.responses)
	require.ErrorIs(t, err, crawler.ErrConfiguration)
	_, err = downloader.New(crawlerName, fetchFunc(okFetcher), nil)
	require.ErrorIs(t, err, crawler.ErrConfiguration)
}

func TestDownloadStoresResponseAndPublishesKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	limiter := &countingLimiter{}
	d, err := downloader.New(crawlerName, fetchFunc(okFetcher), f.responses, downloader.WithLimiter(limiter))
	require.NoError(t, err)

	req := crawler.NewRequest(crawlerName, "https://shop.example/p/1")
	f.publish(t, req)
	f.run(t, d)

	key := crawler.ResponseKey(crawlerName, req.URL)
	require.Eventually(t, func() bool {
		return len(f.broker.Bodies("http_response:shop")) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{key}, f.broker.Bodies("http_response:shop"))
	assert.Equal(t, []string{req.URL}, limiter.URLs())
	require.Eventually(t, func() bool { return f.broker.Unacked(requestQueue) == 0 }, waitFor, tick)
	assert.Zero(t, f.broker.Depth(requestQueue))

	resp, status := f.stored(t, req.URL)
	require.Equal(t, queue.StatusFound, status)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "<html>https://shop.example/p/1</html>", resp.HTML)
}

func TestDownloadRecordsFetchFailures(t *testing.T) {
	t.Parallel()

	timeoutErr := &net.OpError{Op: "read", Err: deadlineErr{}}
	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "transport", err: errors.New("connection refused"), code: crawler.ErrorCodeTransport},
		{name: "timeout", err: timeoutErr, code: crawler.ErrorCodeTimeout},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, 1)
			fetch := fetchFunc(func(context.Context, crawler.Request) (crawler.Response, error) {
				return crawler.Response{}, tc.err
			})
			d, err := downloader.New(crawlerName, fetch, f.responses)
			require.NoError(t, err)

			req := crawler.NewRequest(crawlerName, "https://shop.example/"+tc.name)
			f.publish(t, req)
			f.run(t, d)

			require.Eventually(t, func() bool {
				return f.broker.Depth("http_response:shop") == 1
			}, waitFor, tick)
			resp, status := f.stored(t, req.URL)
			require.Equal(t, queue.StatusFound, status)
			assert.True(t, resp.Failed())
			assert.Equal(t, tc.code, resp.ErrorCode)
			assert.Equal(t, tc.err.Error(), resp.ErrorMsg)

			orig, err := resp.Request()
			require.NoError(t, err)
			assert.Equal(t, req.URL, orig.URL)
		})
	}
}

type deadlineErr struct{}

func (deadlineErr) Error() string   { return "i/o timeout" }
func (deadlineErr) Timeout() bool   { return true }
func (deadlineErr) Temporary() bool { return true }

func TestDownloadRejectsMalformedRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	d, err := downloader.New(crawlerName, fetchFunc(okFetcher), f.responses)
	require.NoError(t, err)

	require.NoError(t, f.broker.Publish("", requestQueue, []byte("{not json")))
	f.publish(t, crawler.NewRequest("other", "https://shop.example/foreign"))
	f.publish(t, crawler.NewRequest(crawlerName, ""))
	f.publish(t, crawler.NewRequest(crawlerName, "https://shop.example/ok"))
	f.run(t, d)

	require.Eventually(t, func() bool {
		return f.broker.Depth(requestQueue) == 0 && f.broker.Unacked(requestQueue) == 0
	}, waitFor, tick)
	assert.Equal(t, []string{crawler.ResponseKey(crawlerName, "https://shop.example/ok")}, f.broker.Bodies("http_response:shop"))
	// One dial declared the fixture queue; the consumer never reconnected.
	assert.Equal(t, 2, f.broker.Stats().Dials)
}

func TestDownloadRequeuesUnconfirmedResponse(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	d, err := downloader.New(crawlerName, fetchFunc(okFetcher), f.responses)
	require.NoError(t, err)

	f.broker.NackNextPublishes(2)
	req := crawler.NewRequest(crawlerName, "https://shop.example/retry")
	f.publish(t, req)
	f.run(t, d)

	require.Eventually(t, func() bool {
		return f.broker.Depth("http_response:shop") == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return f.broker.Depth(requestQueue) == 0 && f.broker.Unacked(requestQueue) == 0
	}, waitFor, tick)
	assert.GreaterOrEqual(t, f.broker.Stats().Dials, 3, "the unconfirmed key ends the session")
}

func TestResponseQueueSelectionIsStable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 4)
	d, err := downloader.New(crawlerName, fetchFunc(okFetcher), f.responses)
	require.NoError(t, err)

	used := map[string]bool{}
	for i := 0; i < 200; i++ {
		key := crawler.ResponseKey(crawlerName, fmt.Sprintf("https://shop.example/p/%d", i))
		rq := d.ResponseQueue(key)
		require.Same(t, rq, d.ResponseQueue(key))
		used[rq.Name()] = true
	}
	assert.Len(t, used, 4)
}

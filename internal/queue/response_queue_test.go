package queue_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/queue"
)

func TestResponseQueueRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	q, err := queue.NewResponseQueue(crawlerName, e.store)
	require.NoError(t, err)
	require.NoError(t, q.Declare(ctx, channel(t, e.broker)))
	require.NoError(t, q.Declare(ctx, channel(t, e.broker)))

	_, _, ok := e.broker.Exchange(crawlerName)
	assert.False(t, ok, "response queues use the default exchange")
	assert.Empty(t, e.broker.Bindings("http_response:c"))

	req, err := crawler.MarshalRequest(crawler.NewRequest(crawlerName, "http://x/1"))
	require.NoError(t, err)
	resp := crawler.Response{
		URL:         "http://x/1",
		StatusCode:  200,
		Reason:      "OK",
		HTML:        "<html></html>",
		Headers:     map[string]string{"Content-Type": "text/html"},
		CrawlerName: crawlerName,
		HTTPRequest: string(req),
	}
	key := crawler.ResponseKey(crawlerName, resp.URL)
	require.NoError(t, q.PushCache(ctx, resp, key))
	published, err := q.Push(ctx, e.pub, key)
	require.NoError(t, err)
	require.True(t, published)
	assert.Equal(t, []string{key}, e.broker.Bodies("http_response:c"))

	got, status, err := q.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFound, status)
	assert.Equal(t, resp, *got)

	got, status, err = q.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusMissing, status)
	assert.Nil(t, got)
}

func TestResponseQueueGetCorruptPayload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	q, err := queue.NewResponseQueue(crawlerName, e.store)
	require.NoError(t, err)
	require.NoError(t, e.store.Set(ctx, "http_response:c:bad", []byte("{not json")))

	_, _, err = q.Get(ctx, "http_response:c:bad")
	require.ErrorIs(t, err, crawler.ErrProtocol)
}

func TestResponseQueuePushUsesDefaultExchange(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	q, err := queue.NewResponseQueue(crawlerName, e.store, queue.WithQueueName("http_response:c:1"))
	require.NoError(t, err)
	pub := &queue.MockPublisher{}
	pub.On("Publish", mock.Anything, "", "http_response:c:1", mock.Anything).Return(true, nil).Once()

	published, err := q.Push(context.Background(), pub, "k")
	require.NoError(t, err)
	assert.True(t, published)
	pub.AssertExpectations(t)

	_, err = q.Push(context.Background(), pub, "")
	require.ErrorIs(t, err, crawler.ErrValidation)
	assert.Equal(t, "missing", queue.StatusMissing.String())
}

func TestNewResponseQueueValidation(t *testing.T) {
	t.Parallel()

	_, err := queue.NewResponseQueue("", nil)
	require.ErrorIs(t, err, crawler.ErrConfiguration)
	_, err = queue.NewResponseQueue(crawlerName, nil)
	require.ErrorIs(t, err, crawler.ErrConfiguration)
}

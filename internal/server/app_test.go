package server_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	bloomdserver "github.com/JakeFAU/crawl-frontier/internal/bloomd/server"
	"github.com/JakeFAU/crawl-frontier/internal/broker/brokertest"
	"github.com/JakeFAU/crawl-frontier/internal/config"
	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/server"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func startFilterServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bloomdserver.New(nil).Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func testConfig(filterAddr string) *config.Config {
	return &config.Config{
		Store: config.StoreConfig{Backend: "memory", Nodes: []string{"ssdb-1:8888", "ssdb-2:8888"}},
		Filter: config.FilterConfig{
			Nodes:               []string{filterAddr},
			TimeoutMs:           1000,
			Attempts:            2,
			DirectoryTTLSeconds: 300,
			HashKeys:            true,
		},
		Crawler: config.CrawlerConfig{
			Name:           "shop",
			Capacity:       10_000,
			ErrorRate:      0.001,
			RequestQueues:  1,
			ResponseQueues: 1,
		},
		Consumer:   config.ConsumerConfig{Concurrency: 1, Prefetch: 1, ReconnectDelayMs: 10},
		Downloader: config.DownloaderConfig{UserAgent: "frontier-test", TimeoutSeconds: 5},
	}
}

func runApp(t *testing.T, app *server.App) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("app did not stop")
		}
	})
}

func TestBuildRejectsUnknownRole(t *testing.T) {
	t.Parallel()

	cfg := testConfig(startFilterServer(t))
	_, err := server.Build(context.Background(), cfg, server.Role("parse"), zaptest.NewLogger(t), server.Options{
		Dial: brokertest.New().Dial,
	})
	require.Error(t, err)
}

func TestDownloadRoleFetchesQueuedRequests(t *testing.T) {
	t.Parallel()

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	t.Cleanup(target.Close)

	b := brokertest.New()
	cfg := testConfig(startFilterServer(t))
	app, err := server.Build(context.Background(), cfg, server.RoleDownload, zaptest.NewLogger(t), server.Options{Dial: b.Dial})
	require.NoError(t, err)
	runApp(t, app)

	require.Eventually(t, app.Ready, waitFor, tick)
	assert.True(t, b.HasQueue("http_request:shop"))
	assert.True(t, b.HasQueue("http_response:shop"))
	assert.True(t, b.HasQueue(crawler.ErrorQueueName("shop")))

	body, err := crawler.MarshalRequest(crawler.NewRequest("shop", target.URL+"/item"))
	require.NoError(t, err)
	require.NoError(t, b.Publish("", "http_request:shop", body))

	require.Eventually(t, func() bool { return b.Depth("http_response:shop") == 1 }, waitFor, tick)
	assert.Equal(t, []string{crawler.ResponseKey("shop", target.URL+"/item")}, b.Bodies("http_response:shop"))
	assert.Equal(t, 0, b.Depth("http_request:shop"))
}

func TestWorkerRoleServesReadiness(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	cfg := testConfig(startFilterServer(t))
	cfg.Consumer.Concurrency = 2
	app, err := server.Build(context.Background(), cfg, server.RoleWorker, zaptest.NewLogger(t), server.Options{Dial: b.Dial})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.API().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	runApp(t, app)
	require.Eventually(t, app.Ready, waitFor, tick)
	assert.Equal(t, 2, b.Consumers("http_response:shop"))
	assert.True(t, b.HasQueue("http_request:shop"))

	rec = httptest.NewRecorder()
	app.API().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

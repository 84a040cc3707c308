// Package metrics exposes Prometheus collectors for the frontier services.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	storeOpsTotal              *prometheus.CounterVec
	filterCommandsTotal        *prometheus.CounterVec
	queuePushTotal             *prometheus.CounterVec
	consumerDeliveriesTotal    *prometheus.CounterVec
	consumerReconnectsTotal    prometheus.Counter
	consumerState              *prometheus.GaugeVec
	publishNacksTotal          prometheus.Counter
	fetchTotal                 *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		storeOpsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_store_operations_total",
				Help: "Store node operations, labeled by operation and result.",
			},
			[]string{"op", "result"},
		)

		filterCommandsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_filter_commands_total",
				Help: "Filter server commands, labeled by command and result.",
			},
			[]string{"command", "result"},
		)

		queuePushTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_queue_push_total",
				Help: "Queue pushes, labeled by queue kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		consumerDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_consumer_deliveries_total",
				Help: "Deliveries handled by consumers, labeled by queue and outcome.",
			},
			[]string{"queue", "outcome"},
		)

		consumerReconnectsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_consumer_reconnects_total",
				Help: "Consumer reconnect attempts.",
			},
		)

		consumerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "frontier_consumer_state",
				Help: "Consumers currently in each lifecycle state.",
			},
			[]string{"state"},
		)

		publishNacksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_publish_nacks_total",
				Help: "Publishes negatively confirmed by the broker.",
			},
		)

		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_fetch_total",
				Help: "Pages fetched by downloaders, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_fetch_bytes_total",
				Help: "Bytes fetched by downloaders, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "frontier_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"scope"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveStoreOp counts one store node operation.
func ObserveStoreOp(op string, err error) {
	Init()
	storeOpsTotal.WithLabelValues(op, result(err)).Inc()
}

// ObserveFilterCommand counts one filter server command.
func ObserveFilterCommand(command string, err error) {
	Init()
	filterCommandsTotal.WithLabelValues(command, result(err)).Inc()
}

// ObservePush counts a queue push. Outcome is one of published, unconfirmed,
// duplicate, stored, invalid or failed.
func ObservePush(kind, outcome string) {
	Init()
	queuePushTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveDelivery counts a consumed delivery. Outcome is handled or
// handler_error.
func ObserveDelivery(queue, outcome string) {
	Init()
	consumerDeliveriesTotal.WithLabelValues(queue, outcome).Inc()
}

// IncReconnects counts a consumer reconnect attempt.
func IncReconnects() {
	Init()
	consumerReconnectsTotal.Inc()
}

// ObserveStateChange moves one consumer from state from to state to.
// An empty from marks a new consumer.
func ObserveStateChange(from, to string) {
	Init()
	if from != "" {
		consumerState.WithLabelValues(from).Dec()
	}
	consumerState.WithLabelValues(to).Inc()
}

// ObservePublishNack counts a negative publisher confirm.
func ObservePublishNack() {
	Init()
	publishNacksTotal.Inc()
}

// ObserveFetch counts a downloaded page.
func ObserveFetch(site string, status int, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchTotal.WithLabelValues(sanitizedSite, strconv.Itoa(status)).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait. Scope is a
// fetched domain or "seed".
func ObserveRateLimitDelay(scope string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(scope).Observe(duration.Seconds())
}

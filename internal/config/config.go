// Package config loads and validates frontier configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-frontier/internal/broker"
	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-frontier/internal/ring"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Broker     broker.Config    `mapstructure:"broker"`
	Store      StoreConfig      `mapstructure:"store"`
	Filter     FilterConfig     `mapstructure:"filter"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Consumer   ConsumerConfig   `mapstructure:"consumer"`
	Downloader DownloaderConfig `mapstructure:"downloader"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// StoreConfig lists the sharded store nodes.
type StoreConfig struct {
	// Backend is redis for SSDB/Redis nodes or memory for a single process.
	Backend       string   `mapstructure:"backend"`
	Nodes         []string `mapstructure:"nodes"`
	Replicas      int      `mapstructure:"replicas"`
	PoolSize      int      `mapstructure:"pool_size"`
	PoolTimeoutMs int      `mapstructure:"pool_timeout_ms"`
	Password      string   `mapstructure:"password"`
	// DB selects the logical database on every node. SSDB ignores it.
	DB int `mapstructure:"db"`
}

// FilterConfig lists the filter servers.
type FilterConfig struct {
	Nodes               []string `mapstructure:"nodes"`
	TimeoutMs           int      `mapstructure:"timeout_ms"`
	Attempts            int      `mapstructure:"attempts"`
	DirectoryTTLSeconds int      `mapstructure:"directory_ttl_seconds"`
	HashKeys            bool     `mapstructure:"hash_keys"`
	// HashBytes keeps a prefix of each key digest. Zero keeps all 32 bytes.
	HashBytes int `mapstructure:"hash_bytes"`
}

// CrawlerConfig names the crawler and sizes its queues and filter.
type CrawlerConfig struct {
	Name                  string     `mapstructure:"name"`
	Capacity              int        `mapstructure:"capacity"`
	ErrorRate             float64    `mapstructure:"error_rate"`
	RequestQueues         int        `mapstructure:"request_queues"`
	ResponseQueues        int        `mapstructure:"response_queues"`
	MaxLength             int        `mapstructure:"max_length"`
	ProxyName             string     `mapstructure:"proxy_name"`
	SeedRPS               float64    `mapstructure:"seed_rps"`
	SeedBurst             int        `mapstructure:"seed_burst"`
	NormalizeFingerprints bool       `mapstructure:"normalize_fingerprints"`
	NotFoundMarkers       [][]string `mapstructure:"not_found_markers"`
}

// ConsumerConfig sizes the consumer pool and its reconnect policy.
type ConsumerConfig struct {
	// Concurrency is the consumer count per process. Values below the queue
	// count still give every queue one consumer.
	Concurrency         int     `mapstructure:"concurrency"`
	Prefetch            int     `mapstructure:"prefetch"`
	ReconnectDelayMs    int     `mapstructure:"reconnect_delay_ms"`
	MaxReconnectDelayMs int     `mapstructure:"max_reconnect_delay_ms"`
	Jitter              float64 `mapstructure:"jitter"`
}

// DownloaderConfig controls fetching.
type DownloaderConfig struct {
	UserAgent      string            `mapstructure:"user_agent"`
	RespectRobots  bool              `mapstructure:"respect_robots"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	Proxies        map[string]string `mapstructure:"proxies"`
	RateLimit      ratelimit.Config  `mapstructure:"rate_limit"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	// Endpoint is an OTLP/HTTP traces URL. Empty keeps spans in process.
	Endpoint string `mapstructure:"endpoint"`
}

// Load builds a Config from disk/environment. Environment variables use the
// FRONTIER prefix, e.g. FRONTIER_CRAWLER_NAME.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FRONTIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("broker.host", "localhost")
	v.SetDefault("broker.port", 5672)
	v.SetDefault("broker.username", "guest")
	v.SetDefault("broker.password", "guest")
	v.SetDefault("broker.vhost", "/")
	v.SetDefault("broker.heartbeat", "10s")
	v.SetDefault("broker.dial_timeout", "15s")
	v.SetDefault("store.backend", "redis")
	v.SetDefault("store.nodes", []string{"localhost:8888"})
	v.SetDefault("store.replicas", ring.DefaultReplicas)
	v.SetDefault("store.pool_size", 100)
	v.SetDefault("store.pool_timeout_ms", 5000)
	v.SetDefault("store.password", "")
	v.SetDefault("store.db", 0)
	v.SetDefault("filter.nodes", []string{"localhost:8673"})
	v.SetDefault("filter.timeout_ms", 5000)
	v.SetDefault("filter.attempts", 3)
	v.SetDefault("filter.directory_ttl_seconds", 300)
	v.SetDefault("filter.hash_keys", false)
	v.SetDefault("filter.hash_bytes", 0)
	v.SetDefault("crawler.name", "")
	v.SetDefault("crawler.proxy_name", "")
	v.SetDefault("crawler.normalize_fingerprints", false)
	v.SetDefault("crawler.capacity", 100_000_000)
	v.SetDefault("crawler.error_rate", 1e-5)
	v.SetDefault("crawler.request_queues", 1)
	v.SetDefault("crawler.response_queues", 1)
	v.SetDefault("crawler.max_length", crawler.DefaultMaxLength)
	v.SetDefault("crawler.seed_rps", 0)
	v.SetDefault("crawler.seed_burst", 1)
	v.SetDefault("consumer.concurrency", 0)
	v.SetDefault("consumer.prefetch", 1)
	v.SetDefault("consumer.reconnect_delay_ms", 1000)
	v.SetDefault("consumer.max_reconnect_delay_ms", 0)
	v.SetDefault("consumer.jitter", 0)
	v.SetDefault("downloader.user_agent", "crawl-frontier/1.0")
	v.SetDefault("downloader.respect_robots", false)
	v.SetDefault("downloader.timeout_seconds", crawler.DefaultTimeoutSeconds)
	v.SetDefault("downloader.rate_limit.default_rps", 2)
	v.SetDefault("downloader.rate_limit.default_burst", 1)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "crawl-frontier")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.endpoint", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return invalid("server.port must be > 0")
	}
	if c.Broker.Host == "" || c.Broker.Port <= 0 {
		return invalid("broker.host and broker.port are required")
	}
	if c.Store.Backend != "redis" && c.Store.Backend != "memory" {
		return invalid("store.backend must be redis or memory, got %q", c.Store.Backend)
	}
	if len(c.Store.Nodes) == 0 {
		return invalid("store.nodes must list at least one node")
	}
	if c.Store.DB < 0 {
		return invalid("store.db must be >= 0")
	}
	for _, addr := range c.Store.Nodes {
		if _, err := ring.ParseNode(addr); err != nil {
			return invalid("store.nodes: %v", err)
		}
	}
	if len(c.Filter.Nodes) == 0 {
		return invalid("filter.nodes must list at least one server")
	}
	if c.Filter.Attempts <= 0 {
		return invalid("filter.attempts must be > 0")
	}
	if c.Filter.HashBytes < 0 || c.Filter.HashBytes > 32 {
		return invalid("filter.hash_bytes must be in [0, 32]")
	}
	if c.Crawler.Name == "" {
		return invalid("crawler.name is required")
	}
	if strings.ContainsAny(c.Crawler.Name, ": ") {
		return invalid("crawler.name %q must not contain ':' or spaces", c.Crawler.Name)
	}
	if c.Crawler.Capacity <= 0 {
		return invalid("crawler.capacity must be > 0")
	}
	if c.Crawler.ErrorRate <= 0 || c.Crawler.ErrorRate >= 1 {
		return invalid("crawler.error_rate must be in (0, 1)")
	}
	if c.Crawler.RequestQueues <= 0 || c.Crawler.ResponseQueues <= 0 {
		return invalid("crawler.request_queues and crawler.response_queues must be > 0")
	}
	if c.Consumer.Concurrency < 0 || c.Consumer.Prefetch <= 0 {
		return invalid("consumer.concurrency must be >= 0 and consumer.prefetch > 0")
	}
	if c.Consumer.Jitter < 0 || c.Consumer.Jitter > 1 {
		return invalid("consumer.jitter must be in [0, 1]")
	}
	if c.Consumer.MaxReconnectDelayMs != 0 && c.Consumer.MaxReconnectDelayMs < c.Consumer.ReconnectDelayMs {
		return invalid("consumer.max_reconnect_delay_ms must be 0 or >= reconnect_delay_ms")
	}
	if c.Downloader.TimeoutSeconds <= 0 {
		return invalid("downloader.timeout_seconds must be > 0")
	}
	if c.Crawler.ProxyName != "" {
		if _, ok := c.Downloader.Proxies[c.Crawler.ProxyName]; !ok {
			return invalid("crawler.proxy_name %q is not in downloader.proxies", c.Crawler.ProxyName)
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return invalid("telemetry.sample_ratio must be in [0, 1]")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", crawler.ErrConfiguration, fmt.Sprintf(format, args...))
}

// Backoff converts the consumer reconnect settings.
func (c Config) Backoff() broker.Backoff {
	return broker.Backoff{
		Initial: time.Duration(c.Consumer.ReconnectDelayMs) * time.Millisecond,
		Max:     time.Duration(c.Consumer.MaxReconnectDelayMs) * time.Millisecond,
		Jitter:  c.Consumer.Jitter,
	}
}

// StorePoolTimeout is how long a store call waits for a pooled connection.
func (c Config) StorePoolTimeout() time.Duration {
	return time.Duration(c.Store.PoolTimeoutMs) * time.Millisecond
}

// FilterTimeout is the per socket operation timeout for filter servers.
func (c Config) FilterTimeout() time.Duration {
	return time.Duration(c.Filter.TimeoutMs) * time.Millisecond
}

// DirectoryTTL is how long the filter directory is trusted.
func (c Config) DirectoryTTL() time.Duration {
	return time.Duration(c.Filter.DirectoryTTLSeconds) * time.Second
}

// FetchTimeout is the downloader default per-request timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Downloader.TimeoutSeconds) * time.Second
}

// RequestQueueNames lists the crawler's request queues.
func (c Config) RequestQueueNames() []string {
	names := make([]string, c.Crawler.RequestQueues)
	for i := range names {
		names[i] = crawler.RequestQueueName(c.Crawler.Name, i, c.Crawler.RequestQueues)
	}
	return names
}

// ResponseQueueNames lists the crawler's response queues.
func (c Config) ResponseQueueNames() []string {
	names := make([]string, c.Crawler.ResponseQueues)
	for i := range names {
		names[i] = crawler.ResponseQueueName(c.Crawler.Name, i, c.Crawler.ResponseQueues)
	}
	return names
}

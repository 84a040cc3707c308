package bloomd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

// DefaultDirectoryTTL is how long the filter directory is trusted before a
// lookup refreshes it.
const DefaultDirectoryTTL = 300 * time.Second

// Hasher digests keys before they are sent.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Listing is one entry of a list reply.
type Listing struct {
	Server string
	// Info is the remainder of the list line: probability, bytes, capacity
	// and size as reported by the server.
	Info string
}

// FilterOptions configures CreateFilter.
type FilterOptions struct {
	// Capacity is the expected number of keys. Zero uses the server default.
	Capacity int
	// Prob is the target false positive rate. Requires Capacity.
	Prob float64
	// InMemory asks the server not to persist the filter.
	InMemory bool
	// Server pins creation to one server instead of the least loaded.
	Server string
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per socket operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithAttempts sets how many times a transient failure is retried.
func WithAttempts(n int) Option {
	return func(c *Client) { c.attempts = n }
}

// WithDirectoryTTL sets the directory staleness window.
func WithDirectoryTTL(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithHasher hashes every key client side before sending it.
func WithHasher(h Hasher) Option {
	return func(c *Client) { c.hasher = h }
}

// WithClock replaces the wall clock used for directory staleness.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client routes filter commands to the server owning each filter.
type Client struct {
	servers  []string
	timeout  time.Duration
	attempts int
	ttl      time.Duration
	hasher   Hasher
	clock    clockwork.Clock
	logger   *zap.Logger

	connMu sync.Mutex
	conns  map[string]*Conn

	dirMu     sync.Mutex
	directory map[string]string
	refreshed time.Time
}

// NewClient returns a client for servers, given as host or host:port.
func NewClient(servers []string, opts ...Option) (*Client, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("%w: at least one filter server is required", crawler.ErrConfiguration)
	}
	c := &Client{
		servers:  append([]string(nil), servers...),
		timeout:  DefaultTimeout,
		attempts: DefaultAttempts,
		ttl:      DefaultDirectoryTTL,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
		conns:    make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Servers returns the configured server list.
func (c *Client) Servers() []string {
	return append([]string(nil), c.servers...)
}

func (c *Client) conn(server string) *Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if conn, ok := c.conns[server]; ok {
		return conn
	}
	conn := NewConn(server, c.timeout, c.attempts, c.logger)
	c.conns[server] = conn
	return conn
}

// ListFilters lists filters on every server, optionally limited to names
// starting with prefix. Servers are queried concurrently.
func (c *Client) ListFilters(ctx context.Context, prefix string) (map[string]Listing, error) {
	cmd := "list"
	if prefix != "" {
		cmd += " " + prefix
	}
	blocks := make([][]string, len(c.servers))
	g, gctx := errgroup.WithContext(ctx)
	for i, server := range c.servers {
		g.Go(func() error {
			lines, err := c.conn(server).SendAndReadBlock(gctx, cmd)
			metrics.ObserveFilterCommand("list", err)
			if err != nil {
				return fmt.Errorf("list filters on %s: %w", server, err)
			}
			blocks[i] = lines
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]Listing)
	for i, lines := range blocks {
		for _, line := range lines {
			name, info, _ := strings.Cut(line, " ")
			out[name] = Listing{Server: c.servers[i], Info: info}
		}
	}
	return out, nil
}

func (c *Client) refresh(ctx context.Context) (map[string]string, error) {
	listings, err := c.ListFilters(ctx, "")
	if err != nil {
		return nil, err
	}
	dir := make(map[string]string, len(listings))
	for name, l := range listings {
		dir[name] = l.Server
	}
	c.dirMu.Lock()
	c.directory = dir
	c.refreshed = c.clock.Now()
	c.dirMu.Unlock()
	c.logger.Debug("filter directory refreshed", zap.Int("filters", len(dir)))
	return dir, nil
}

// locate returns the owning server of name. A stale or missing directory is
// refreshed first, and a miss triggers one more refresh.
func (c *Client) locate(ctx context.Context, name string) (string, map[string]string, error) {
	c.dirMu.Lock()
	dir := c.directory
	stale := dir == nil || c.clock.Since(c.refreshed) > c.ttl
	c.dirMu.Unlock()

	if !stale {
		if server, ok := dir[name]; ok {
			return server, dir, nil
		}
	}
	dir, err := c.refresh(ctx)
	if err != nil {
		return "", nil, err
	}
	return dir[name], dir, nil
}

func (c *Client) remember(name, server string) {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()
	if c.directory != nil {
		c.directory[name] = server
	}
}

func (c *Client) forget(name string) {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()
	delete(c.directory, name)
}

// leastLoaded picks the server hosting the fewest filters. Ties go to the
// server listed first.
func (c *Client) leastLoaded(dir map[string]string) string {
	counts := make(map[string]int, len(c.servers))
	for _, server := range dir {
		counts[server]++
	}
	best := c.servers[0]
	for _, server := range c.servers[1:] {
		if counts[server] < counts[best] {
			best = server
		}
	}
	return best
}

// Filter returns a handle to an existing filter.
func (c *Client) Filter(ctx context.Context, name string) (*Filter, error) {
	server, _, err := c.locate(ctx, name)
	if err != nil {
		return nil, err
	}
	if server == "" {
		return nil, fmt.Errorf("filter %q: %w", name, ErrFilterNotFound)
	}
	return c.newFilter(name, server), nil
}

// CreateFilter creates name, or attaches to it when it already exists.
func (c *Client) CreateFilter(ctx context.Context, name string, opts FilterOptions) (*Filter, error) {
	if err := validateToken(name); err != nil {
		return nil, fmt.Errorf("filter name: %w", err)
	}
	if opts.Prob > 0 && opts.Capacity <= 0 {
		return nil, fmt.Errorf("%w: filter probability requires a capacity", crawler.ErrValidation)
	}

	server, dir, err := c.locate(ctx, name)
	if err != nil {
		return nil, err
	}
	if server == "" {
		server = opts.Server
	}
	if server == "" {
		server = c.leastLoaded(dir)
	}

	cmd := "create " + name
	if opts.Capacity > 0 {
		cmd += fmt.Sprintf(" capacity=%d", opts.Capacity)
	}
	if opts.Prob > 0 {
		cmd += fmt.Sprintf(" prob=%f", opts.Prob)
	}
	if opts.InMemory {
		cmd += " in_memory=1"
	}
	resp, err := c.conn(server).SendAndReceive(ctx, cmd)
	metrics.ObserveFilterCommand("create", err)
	if err != nil {
		return nil, fmt.Errorf("create filter %q: %w", name, err)
	}
	switch resp {
	case "Done":
		c.remember(name, server)
		c.logger.Info("filter created", zap.String("filter", name), zap.String("server", server))
		return c.newFilter(name, server), nil
	case "Exists":
		return c.Filter(ctx, name)
	default:
		return nil, unexpected(cmd, resp)
	}
}

// Flush asks every server to persist all filters.
func (c *Client) Flush(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, server := range c.servers {
		g.Go(func() error {
			resp, err := c.conn(server).SendAndReceive(gctx, "flush")
			metrics.ObserveFilterCommand("flush", err)
			if err != nil {
				return fmt.Errorf("flush %s: %w", server, err)
			}
			if resp != "Done" {
				return fmt.Errorf("flush %s: %w", server, unexpected("flush", resp))
			}
			return nil
		})
	}
	return g.Wait()
}

// Close drops every open socket.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	var errs []error
	for _, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) newFilter(name, server string) *Filter {
	return &Filter{name: name, server: server, conn: c.conn(server), hasher: c.hasher, client: c}
}

func validateToken(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty token", crawler.ErrValidation)
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return fmt.Errorf("%w: %q contains whitespace", crawler.ErrValidation, s)
	}
	return nil
}

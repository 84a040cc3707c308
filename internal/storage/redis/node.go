// Package redis implements a store node over a Redis-compatible server
// (Redis or SSDB) using go-redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/ring"
	"github.com/JakeFAU/crawl-frontier/internal/storage"
)

// Config controls the connection pool kept per node.
type Config struct {
	// PoolSize caps open connections. Callers beyond it wait up to PoolTimeout
	// and then fail; requests are never dropped silently.
	PoolSize     int
	PoolTimeout  time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Password     string
	DB           int
}

const (
	defaultPoolSize    = 100
	defaultPoolTimeout = 5 * time.Second
	defaultDialTimeout = 5 * time.Second
	defaultIOTimeout   = 10 * time.Second
)

// Node wraps one go-redis client.
type Node struct {
	client *goredis.Client
	addr   string
}

// New opens a pooled client for addr. Connections are established lazily.
func New(addr string, cfg Config) *Node {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.PoolTimeout <= 0 {
		cfg.PoolTimeout = defaultPoolTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultIOTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultIOTimeout
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		PoolTimeout:  cfg.PoolTimeout,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &Node{client: client, addr: addr}
}

// Factory returns a storage.NodeFactory opening Nodes with cfg.
func Factory(cfg Config) storage.NodeFactory {
	return func(n ring.Node) (storage.Node, error) {
		return New(n.Addr(), cfg), nil
	}
}

// Get reads key; redis.Nil is reported as a miss.
func (n *Node) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := n.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, n.wrap("get", err)
	}
	return v, true, nil
}

// Set stores value without expiry.
func (n *Node) Set(ctx context.Context, key string, value []byte) error {
	if err := n.client.Set(ctx, key, value, 0).Err(); err != nil {
		return n.wrap("set", err)
	}
	return nil
}

// Del removes keys.
func (n *Node) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := n.client.Del(ctx, keys...).Err(); err != nil {
		return n.wrap("del", err)
	}
	return nil
}

// MGet reads keys in one round trip.
func (n *Node) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := n.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, n.wrap("mget", err)
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		switch typed := v.(type) {
		case nil:
		case string:
			out[i] = []byte(typed)
		default:
			return nil, fmt.Errorf("%w: mget %s returned %T", crawler.ErrProtocol, n.addr, v)
		}
	}
	return out, nil
}

// MSet writes every pair in one round trip.
func (n *Node) MSet(ctx context.Context, pairs map[string][]byte) error {
	if len(pairs) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(pairs))
	for k, v := range pairs {
		values[k] = v
	}
	if err := n.client.MSet(ctx, values).Err(); err != nil {
		return n.wrap("mset", err)
	}
	return nil
}

// Keys issues the SSDB range command "keys start end limit". Plain Redis
// rejects it with a protocol error.
func (n *Node) Keys(ctx context.Context, start, end string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	keys, err := n.client.Do(ctx, "keys", start, end, limit).StringSlice()
	if err != nil {
		return nil, n.wrap("keys", err)
	}
	return keys, nil
}

// Close closes the pool.
func (n *Node) Close() error {
	if err := n.client.Close(); err != nil {
		return fmt.Errorf("close redis node %s: %w", n.addr, err)
	}
	return nil
}

// PoolStats exposes pool usage for metrics and tests.
func (n *Node) PoolStats() *goredis.PoolStats {
	return n.client.PoolStats()
}

func (n *Node) wrap(op string, err error) error {
	var redisErr goredis.Error
	if errors.As(err, &redisErr) {
		return fmt.Errorf("%w: redis %s on %s: %v", crawler.ErrProtocol, op, n.addr, err)
	}
	return fmt.Errorf("%w: redis %s on %s: %v", crawler.ErrTransient, op, n.addr, err)
}

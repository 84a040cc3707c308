package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/bloomd"
	"github.com/JakeFAU/crawl-frontier/internal/config"
	"github.com/JakeFAU/crawl-frontier/internal/hash/sha256"
	"github.com/JakeFAU/crawl-frontier/internal/queue"
	"github.com/JakeFAU/crawl-frontier/internal/ring"
	"github.com/JakeFAU/crawl-frontier/internal/storage"
	"github.com/JakeFAU/crawl-frontier/internal/storage/memory"
	redisnode "github.com/JakeFAU/crawl-frontier/internal/storage/redis"
)

// NewStore builds the sharded store from the configured nodes.
func NewStore(cfg *config.Config, logger *zap.Logger) (*storage.Sharded, error) {
	nodes := make([]ring.Node, 0, len(cfg.Store.Nodes))
	for _, addr := range cfg.Store.Nodes {
		n, err := ring.ParseNode(addr)
		if err != nil {
			return nil, fmt.Errorf("store node %q: %w", addr, err)
		}
		nodes = append(nodes, n)
	}
	r, err := ring.New(nodes, ring.WithReplicas(cfg.Store.Replicas))
	if err != nil {
		return nil, fmt.Errorf("build store ring: %w", err)
	}

	var factory storage.NodeFactory
	switch cfg.Store.Backend {
	case "memory":
		logger.Info("using in-memory store backend", zap.Int("nodes", len(nodes)))
		factory = func(ring.Node) (storage.Node, error) { return memory.NewNode(), nil }
	default:
		logger.Info("using redis store backend", zap.Strings("nodes", cfg.Store.Nodes))
		factory = redisnode.Factory(redisnode.Config{
			PoolSize:    cfg.Store.PoolSize,
			PoolTimeout: cfg.StorePoolTimeout(),
			Password:    cfg.Store.Password,
			DB:          cfg.Store.DB,
		})
	}
	return storage.NewSharded(r, factory, logger.Named("store"))
}

// NewFilterClient builds the filter client from the configured servers.
func NewFilterClient(cfg *config.Config, logger *zap.Logger) (*bloomd.Client, error) {
	opts := []bloomd.Option{
		bloomd.WithTimeout(cfg.FilterTimeout()),
		bloomd.WithAttempts(cfg.Filter.Attempts),
		bloomd.WithDirectoryTTL(cfg.DirectoryTTL()),
		bloomd.WithLogger(logger.Named("filter")),
	}
	if cfg.Filter.HashKeys {
		opts = append(opts, bloomd.WithHasher(sha256.NewTruncated(cfg.Filter.HashBytes)))
	}
	client, err := bloomd.NewClient(cfg.Filter.Nodes, opts...)
	if err != nil {
		return nil, fmt.Errorf("filter client init failed: %w", err)
	}
	return client, nil
}

// NewRequestQueues opens the crawler's filter and builds one RequestQueue per
// configured partition.
func NewRequestQueues(
	ctx context.Context,
	cfg *config.Config,
	store queue.Store,
	client *bloomd.Client,
	logger *zap.Logger,
) ([]*queue.RequestQueue, error) {
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	filter, err := queue.NewFilterQueue(openCtx, client, cfg.Crawler.Name, cfg.Crawler.Capacity, cfg.Crawler.ErrorRate)
	if err != nil {
		return nil, err
	}
	names := cfg.RequestQueueNames()
	queues := make([]*queue.RequestQueue, 0, len(names))
	for _, name := range names {
		q, err := queue.NewRequestQueue(cfg.Crawler.Name, store, filter,
			queue.WithQueueName(name),
			queue.WithMaxLength(cfg.Crawler.MaxLength),
			queue.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, nil
}

// NewResponseQueues builds one ResponseQueue per configured partition.
func NewResponseQueues(cfg *config.Config, store queue.Store, logger *zap.Logger) ([]*queue.ResponseQueue, error) {
	names := cfg.ResponseQueueNames()
	queues := make([]*queue.ResponseQueue, 0, len(names))
	for _, name := range names {
		q, err := queue.NewResponseQueue(cfg.Crawler.Name, store,
			queue.WithQueueName(name),
			queue.WithMaxLength(cfg.Crawler.MaxLength),
			queue.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, nil
}

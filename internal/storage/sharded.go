package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/metrics"
	"github.com/JakeFAU/crawl-frontier/internal/ring"
)

// NodeFactory opens a client for one ring member.
type NodeFactory func(node ring.Node) (Node, error)

// Sharded spreads keys over ring members, creating node clients on first use.
type Sharded struct {
	ring    *ring.Ring
	factory NodeFactory
	logger  *zap.Logger

	mu      sync.Mutex
	clients map[ring.Node]Node
	closed  bool
}

// NewSharded builds a Sharded store. The ring must be non-empty.
func NewSharded(r *ring.Ring, factory NodeFactory, logger *zap.Logger) (*Sharded, error) {
	if r == nil || len(r.Nodes()) == 0 {
		return nil, ring.ErrEmptyRing
	}
	if factory == nil {
		return nil, errors.New("storage: node factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sharded{
		ring:    r,
		factory: factory,
		logger:  logger,
		clients: make(map[ring.Node]Node),
	}, nil
}

// ClientFor returns the pooled client of the node owning key.
func (s *Sharded) ClientFor(key string) (Node, error) {
	n, err := s.ring.Lookup(key)
	if err != nil {
		return nil, err
	}
	return s.client(n)
}

func (s *Sharded) client(n ring.Node) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("storage: sharded store closed")
	}
	if c, ok := s.clients[n]; ok {
		return c, nil
	}
	c, err := s.factory(n)
	if err != nil {
		return nil, fmt.Errorf("open store node %s: %w", n, err)
	}
	s.logger.Debug("store node opened", zap.String("node", n.Addr()))
	s.clients[n] = c
	return c, nil
}

// Set overwrites key on its owning node.
func (s *Sharded) Set(ctx context.Context, key string, value []byte) error {
	c, err := s.ClientFor(key)
	if err != nil {
		return err
	}
	err = c.Set(ctx, key, value)
	metrics.ObserveStoreOp("set", err)
	if err != nil {
		return fmt.Errorf("store set %q: %w", key, err)
	}
	return nil
}

// Get reads key without removing it.
func (s *Sharded) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c, err := s.ClientFor(key)
	if err != nil {
		return nil, false, err
	}
	value, found, err := c.Get(ctx, key)
	metrics.ObserveStoreOp("get", err)
	if err != nil {
		return nil, false, fmt.Errorf("store get %q: %w", key, err)
	}
	return value, found, nil
}

// GetAndDelete reads key and then removes it. The two steps are not atomic:
// a crash after the read and before the delete leaves the record in place, and
// a crash after the delete but before the caller persists the value loses it.
// A failed delete is logged and the value is still returned.
func (s *Sharded) GetAndDelete(ctx context.Context, key string) ([]byte, bool, error) {
	c, err := s.ClientFor(key)
	if err != nil {
		return nil, false, err
	}
	value, found, err := c.Get(ctx, key)
	metrics.ObserveStoreOp("get", err)
	if err != nil {
		return nil, false, fmt.Errorf("store get %q: %w", key, err)
	}
	if !found {
		return nil, false, nil
	}
	err = c.Del(ctx, key)
	metrics.ObserveStoreOp("delete", err)
	if err != nil {
		s.logger.Warn("store delete after read failed", zap.String("key", key), zap.Error(err))
	}
	return value, true, nil
}

// Delete removes keys, grouping them by owning node.
func (s *Sharded) Delete(ctx context.Context, keys ...string) error {
	groups, err := s.group(keys)
	if err != nil {
		return err
	}
	for n, ks := range groups {
		c, err := s.client(n)
		if err != nil {
			return err
		}
		err = c.Del(ctx, ks...)
		metrics.ObserveStoreOp("delete", err)
		if err != nil {
			return fmt.Errorf("store delete on %s: %w", n, err)
		}
	}
	return nil
}

// MSet writes pairs, one MSET per owning node.
func (s *Sharded) MSet(ctx context.Context, pairs map[string][]byte) error {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	groups, err := s.group(keys)
	if err != nil {
		return err
	}
	for n, ks := range groups {
		c, err := s.client(n)
		if err != nil {
			return err
		}
		sub := make(map[string][]byte, len(ks))
		for _, k := range ks {
			sub[k] = pairs[k]
		}
		err = c.MSet(ctx, sub)
		metrics.ObserveStoreOp("mset", err)
		if err != nil {
			return fmt.Errorf("store mset on %s: %w", n, err)
		}
	}
	return nil
}

// MGet reads keys from their owning nodes. Missing keys are absent from the
// result.
func (s *Sharded) MGet(ctx context.Context, keys ...string) (map[string][]byte, error) {
	groups, err := s.group(keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for n, ks := range groups {
		c, err := s.client(n)
		if err != nil {
			return nil, err
		}
		values, err := c.MGet(ctx, ks...)
		metrics.ObserveStoreOp("mget", err)
		if err != nil {
			return nil, fmt.Errorf("store mget on %s: %w", n, err)
		}
		for i, v := range values {
			if v != nil {
				out[ks[i]] = v
			}
		}
	}
	return out, nil
}

// RangeScan runs an ordered key scan on every node. Keys are returned per
// node because order only holds within one node.
func (s *Sharded) RangeScan(ctx context.Context, start, end string, limit int) (map[ring.Node][]string, error) {
	out := make(map[ring.Node][]string)
	for _, n := range s.ring.Nodes() {
		c, err := s.client(n)
		if err != nil {
			return nil, err
		}
		keys, err := c.Keys(ctx, start, end, limit)
		metrics.ObserveStoreOp("keys", err)
		if err != nil {
			return nil, fmt.Errorf("store range scan on %s: %w", n, err)
		}
		out[n] = keys
	}
	return out, nil
}

// Nodes returns the ring members behind this store.
func (s *Sharded) Nodes() []ring.Node {
	return s.ring.Nodes()
}

// Close closes every opened node client.
func (s *Sharded) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for n, c := range s.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store node %s: %w", n, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Sharded) group(keys []string) (map[ring.Node][]string, error) {
	groups := make(map[ring.Node][]string)
	for _, k := range keys {
		n, err := s.ring.Lookup(k)
		if err != nil {
			return nil, err
		}
		groups[n] = append(groups[n], k)
	}
	return groups, nil
}

// Package memory provides an in-process store node for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
)

// Node stores records in a map and answers range scans in key order.
type Node struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewNode creates an empty Node.
func NewNode() *Node {
	return &Node{data: make(map[string][]byte)}
}

// Get returns a copy of the stored value.
func (n *Node) Get(_ context.Context, key string) ([]byte, bool, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set stores a copy of value.
func (n *Node) Set(_ context.Context, key string, value []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.data[key] = append([]byte(nil), value...)
	return nil
}

// Del removes keys.
func (n *Node) Del(_ context.Context, keys ...string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, k := range keys {
		delete(n.data, k)
	}
	return nil
}

// MGet returns copies of the stored values, nil for misses.
func (n *Node) MGet(_ context.Context, keys ...string) ([][]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := n.data[k]; ok {
			out[i] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

// MSet stores copies of every pair.
func (n *Node) MSet(_ context.Context, pairs map[string][]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for k, v := range pairs {
		n.data[k] = append([]byte(nil), v...)
	}
	return nil
}

// Keys lists keys in (start, end] in ascending order.
func (n *Node) Keys(_ context.Context, start, end string, limit int) ([]string, error) {
	n.mu.RLock()
	keys := make([]string, 0, len(n.data))
	for k := range n.data {
		if k > start && (end == "" || k <= end) {
			keys = append(keys, k)
		}
	}
	n.mu.RUnlock()

	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// Close marks the node closed. Data stays readable for inspection in tests.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

// Closed reports whether Close was called.
func (n *Node) Closed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closed
}

// Len returns the number of stored records.
func (n *Node) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.data)
}

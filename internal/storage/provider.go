// Package storage routes keyed payloads across a set of store nodes.
//
// Each backing node speaks a Redis-compatible command surface (GET, SET, MGET,
// MSET, DEL) plus an SSDB-style ordered range scan. Sharded resolves the owning
// node for a key through a consistent-hash ring and keeps one pooled client per
// node.
package storage

import (
	"context"
)

// Node is one backing key/value server.
type Node interface {
	// Get returns the value for key and whether it existed.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set overwrites key. Records never expire.
	Set(ctx context.Context, key string, value []byte) error
	// Del removes keys; missing keys are ignored.
	Del(ctx context.Context, keys ...string) error
	// MGet returns one entry per key, nil where the key is missing.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	// MSet writes every pair.
	MSet(ctx context.Context, pairs map[string][]byte) error
	// Keys lists keys k with start < k <= end in order. An empty end is
	// unbounded and a limit <= 0 returns every match.
	Keys(ctx context.Context, start, end string, limit int) ([]string, error)
	// Close releases pooled connections.
	Close() error
}

// Package ring implements the consistent-hash ring that maps store and filter
// keys onto backing nodes.
//
// A Ring is immutable. Membership changes are handled by building a new Ring;
// keys owned by a removed node are not migrated.
package ring

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// DefaultReplicas is the number of virtual points placed per node.
const DefaultReplicas = 160

// ErrEmptyRing is returned when a ring has no members.
var ErrEmptyRing = fmt.Errorf("%w: ring has no nodes", crawler.ErrConfiguration)

// Node identifies one backing server.
type Node struct {
	Host string `mapstructure:"host" json:"host"`
	Port int    `mapstructure:"port" json:"port"`
}

// Addr returns host:port, which is also the node's ring tag.
func (n Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

func (n Node) String() string {
	return n.Addr()
}

// ParseNode parses a host:port address.
func ParseNode(addr string) (Node, error) {
	host, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return Node{}, fmt.Errorf("parse node %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return Node{}, fmt.Errorf("parse node port %q: %w", addr, err)
	}
	return Node{Host: host, Port: port}, nil
}

type point struct {
	hash uint64
	node int
}

// Ring maps keys to nodes.
type Ring struct {
	nodes    []Node
	points   []point
	replicas int
}

// Option configures New.
type Option func(*Ring)

// WithReplicas overrides the virtual point count per node.
func WithReplicas(n int) Option {
	return func(r *Ring) {
		if n > 0 {
			r.replicas = n
		}
	}
}

// New builds a ring over nodes. Duplicate nodes are collapsed.
func New(nodes []Node, opts ...Option) (*Ring, error) {
	if len(nodes) == 0 {
		return nil, ErrEmptyRing
	}
	r := &Ring{replicas: DefaultReplicas}
	for _, opt := range opts {
		opt(r)
	}

	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if n.Host == "" {
			return nil, fmt.Errorf("%w: node with empty host", crawler.ErrConfiguration)
		}
		if _, dup := seen[n.Addr()]; dup {
			continue
		}
		seen[n.Addr()] = struct{}{}
		r.nodes = append(r.nodes, n)
	}

	r.points = make([]point, 0, len(r.nodes)*r.replicas)
	for idx, n := range r.nodes {
		tag := n.Addr()
		for i := 0; i < r.replicas; i++ {
			r.points = append(r.points, point{
				hash: xxhash.Sum64String(tag + "-" + strconv.Itoa(i)),
				node: idx,
			})
		}
	}
	// Ties break on node order so equal hashes resolve the same way everywhere.
	sort.Slice(r.points, func(i, j int) bool {
		if r.points[i].hash == r.points[j].hash {
			return r.points[i].node < r.points[j].node
		}
		return r.points[i].hash < r.points[j].hash
	})
	return r, nil
}

// Lookup returns the node owning key.
func (r *Ring) Lookup(key string) (Node, error) {
	if r == nil || len(r.points) == 0 {
		return Node{}, ErrEmptyRing
	}
	h := xxhash.Sum64String(key)
	i := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= h
	})
	if i == len(r.points) {
		i = 0
	}
	return r.nodes[r.points[i].node], nil
}

// Nodes returns the ring members in the order they were added.
func (r *Ring) Nodes() []Node {
	if r == nil {
		return nil
	}
	out := make([]Node, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// IsEmpty reports whether err came from an empty ring.
func IsEmpty(err error) bool {
	return errors.Is(err, ErrEmptyRing)
}

package ring

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

func testNodes(n int) []Node {
	nodes := make([]Node, 0, n)
	for i := 0; i < n; i++ {
		nodes = append(nodes, Node{Host: fmt.Sprintf("10.0.0.%d", i+1), Port: 8888})
	}
	return nodes
}

func TestNewRejectsEmptyNodeSet(t *testing.T) {
	t.Parallel()

	r, err := New(nil)
	require.Nil(t, r)
	require.ErrorIs(t, err, ErrEmptyRing)
	require.ErrorIs(t, err, crawler.ErrConfiguration)
	assert.True(t, IsEmpty(err))
}

func TestLookupOnNilRing(t *testing.T) {
	t.Parallel()

	var r *Ring
	_, err := r.Lookup("key")
	require.True(t, errors.Is(err, crawler.ErrConfiguration))
}

func TestLookupIsStable(t *testing.T) {
	t.Parallel()

	r, err := New(testNodes(5))
	require.NoError(t, err)
	rebuilt, err := New(testNodes(5))
	require.NoError(t, err)

	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("http_request:c:http://x/%d", i)
		first, err := r.Lookup(key)
		require.NoError(t, err)
		again, err := r.Lookup(key)
		require.NoError(t, err)
		other, err := rebuilt.Lookup(key)
		require.NoError(t, err)
		require.Equal(t, first, again)
		require.Equal(t, first, other, "rebuilding over the same nodes must not move %s", key)
	}
}

func TestLookupSpreadsKeys(t *testing.T) {
	t.Parallel()

	r, err := New(testNodes(4))
	require.NoError(t, err)

	counts := map[Node]int{}
	const total = 20000
	for i := 0; i < total; i++ {
		n, err := r.Lookup(fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
		counts[n]++
	}
	require.Len(t, counts, 4)
	for n, c := range counts {
		assert.Greater(t, c, total/8, "node %s is starved", n)
	}
}

func TestRemovingNodeOnlyMovesItsKeys(t *testing.T) {
	t.Parallel()

	nodes := testNodes(4)
	full, err := New(nodes)
	require.NoError(t, err)
	shrunk, err := New(nodes[:3])
	require.NoError(t, err)

	for i := 0; i < 5000; i++ {
		key := fmt.Sprintf("key-%d", i)
		before, err := full.Lookup(key)
		require.NoError(t, err)
		after, err := shrunk.Lookup(key)
		require.NoError(t, err)
		if before != nodes[3] {
			require.Equal(t, before, after)
		}
	}
}

func TestNewCollapsesDuplicatesAndValidatesHost(t *testing.T) {
	t.Parallel()

	r, err := New([]Node{{Host: "a", Port: 1}, {Host: "a", Port: 1}, {Host: "b", Port: 1}})
	require.NoError(t, err)
	assert.Len(t, r.Nodes(), 2)

	_, err = New([]Node{{Port: 1}})
	require.ErrorIs(t, err, crawler.ErrConfiguration)
}

func TestParseNode(t *testing.T) {
	t.Parallel()

	n, err := ParseNode("127.0.0.1:8673")
	require.NoError(t, err)
	assert.Equal(t, Node{Host: "127.0.0.1", Port: 8673}, n)
	assert.Equal(t, "127.0.0.1:8673", n.Addr())

	_, err = ParseNode("nope")
	require.Error(t, err)
	_, err = ParseNode("host:port")
	require.Error(t, err)
}

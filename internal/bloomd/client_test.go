package bloomd

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

func TestNewClientRequiresServers(t *testing.T) {
	t.Parallel()

	_, err := NewClient(nil)
	require.ErrorIs(t, err, crawler.ErrConfiguration)
}

func TestCreateFilterDoneThenExists(t *testing.T) {
	t.Parallel()

	addr, srv := startServer(t)
	c, err := NewClient([]string{addr})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	ctx := context.Background()

	f, err := c.CreateFilter(ctx, "crawler_a", FilterOptions{Capacity: 1000, Prob: 0.001})
	require.NoError(t, err)
	require.Equal(t, "crawler_a", f.Name())
	require.Equal(t, addr, f.Server())
	require.Equal(t, 1, srv.Len())

	again, err := c.CreateFilter(ctx, "crawler_a", FilterOptions{Capacity: 1000, Prob: 0.001})
	require.NoError(t, err)
	require.Equal(t, addr, again.Server())
	require.Equal(t, 1, srv.Len())
}

func TestCreateFilterValidation(t *testing.T) {
	t.Parallel()

	addr, _ := startServer(t)
	c, err := NewClient([]string{addr})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.CreateFilter(ctx, "x", FilterOptions{Prob: 0.01})
	require.ErrorIs(t, err, crawler.ErrValidation)

	_, err = c.CreateFilter(ctx, "bad name", FilterOptions{})
	require.ErrorIs(t, err, crawler.ErrValidation)
}

func TestCreateFilterPicksLeastLoadedServer(t *testing.T) {
	t.Parallel()

	addrA, srvA := startServer(t)
	addrB, srvB := startServer(t)
	require.Equal(t, "Done", srvA.Execute("create one"))
	require.Equal(t, "Done", srvA.Execute("create two"))
	require.Equal(t, "Done", srvB.Execute("create three"))

	c, err := NewClient([]string{addrA, addrB})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	f, err := c.CreateFilter(context.Background(), "four", FilterOptions{})
	require.NoError(t, err)
	require.Equal(t, addrB, f.Server())
	require.Equal(t, 2, srvB.Len())
}

func TestCreateFilterPinnedServer(t *testing.T) {
	t.Parallel()

	addrA, _ := startServer(t)
	addrB, srvB := startServer(t)
	c, err := NewClient([]string{addrA, addrB})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	f, err := c.CreateFilter(context.Background(), "pinned", FilterOptions{Server: addrB, InMemory: true})
	require.NoError(t, err)
	require.Equal(t, addrB, f.Server())
	require.Equal(t, 1, srvB.Len())
}

func TestFilterStrictLookup(t *testing.T) {
	t.Parallel()

	addr, srv := startServer(t)
	c, err := NewClient([]string{addr})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	ctx := context.Background()

	_, err = c.Filter(ctx, "ghost")
	require.ErrorIs(t, err, ErrFilterNotFound)

	// A miss refreshes the directory, so filters created elsewhere are found.
	require.Equal(t, "Done", srv.Execute("create ghost"))
	f, err := c.Filter(ctx, "ghost")
	require.NoError(t, err)
	require.Equal(t, addr, f.Server())
}

func TestDirectoryStalenessWindow(t *testing.T) {
	t.Parallel()

	addrA, srvA := startServer(t)
	addrB, srvB := startServer(t)
	clock := clockwork.NewFakeClock()
	c, err := NewClient([]string{addrA, addrB}, WithClock(clock), WithDirectoryTTL(300*time.Second))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	ctx := context.Background()

	require.Equal(t, "Done", srvA.Execute("create moving"))
	f, err := c.Filter(ctx, "moving")
	require.NoError(t, err)
	require.Equal(t, addrA, f.Server())

	// Move the filter behind the client's back.
	require.Equal(t, "Done", srvA.Execute("drop moving"))
	require.Equal(t, "Done", srvB.Execute("create moving"))

	clock.Advance(299 * time.Second)
	f, err = c.Filter(ctx, "moving")
	require.NoError(t, err)
	require.Equal(t, addrA, f.Server(), "directory is trusted inside the window")

	clock.Advance(2 * time.Second)
	f, err = c.Filter(ctx, "moving")
	require.NoError(t, err)
	require.Equal(t, addrB, f.Server(), "stale directory is refreshed")
}

func TestListFiltersAcrossServers(t *testing.T) {
	t.Parallel()

	addrA, srvA := startServer(t)
	addrB, srvB := startServer(t)
	require.Equal(t, "Done", srvA.Execute("create crawl_a capacity=500"))
	require.Equal(t, "Done", srvB.Execute("create crawl_b"))
	require.Equal(t, "Done", srvB.Execute("create other"))

	c, err := NewClient([]string{addrA, addrB})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	all, err := c.ListFilters(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, addrA, all["crawl_a"].Server)
	require.NotEmpty(t, all["crawl_a"].Info)

	crawls, err := c.ListFilters(context.Background(), "crawl_")
	require.NoError(t, err)
	require.Len(t, crawls, 2)
	require.NotContains(t, crawls, "other")

	require.NoError(t, c.Flush(context.Background()))
}

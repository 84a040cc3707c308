package bloomd

import (
	"context"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/bloomd/server"
)

// startServer runs an in-process filter server for the life of the test.
func startServer(t *testing.T) (string, *server.Server) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return serve(t, ln)
}

func serve(t *testing.T, ln net.Listener) (string, *server.Server) {
	t.Helper()
	srv := server.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return ln.Addr().String(), srv
}

// flakyListener closes the first drops accepted connections right away.
type flakyListener struct {
	net.Listener
	drops atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if l.drops.Add(-1) >= 0 {
			_ = c.Close()
			continue
		}
		return c, nil
	}
}

package server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecuteCommands(t *testing.T) {
	t.Parallel()

	s := New(nil)
	steps := []struct {
		cmd  string
		want string
	}{
		{"create urls capacity=1000 prob=0.001000", "Done"},
		{"create urls", "Exists"},
		{"create broken prob=2", "Client Error: Bad arguments"},
		{"create broken what=1", "Client Error: Bad arguments"},
		{"s urls a", "Yes"},
		{"s urls a", "No"},
		{"c urls a", "Yes"},
		{"c urls b", "No"},
		{"b urls a b c", "No Yes Yes"},
		{"m urls a d c", "Yes No Yes"},
		{"s missing a", "Filter does not exist"},
		{"s urls", "Client Error: Bad arguments"},
		{"flush", "Done"},
		{"flush urls", "Done"},
		{"close urls", "Done"},
		{"frobnicate", "Client Error: Command not supported"},
		{"", "Client Error: Command not supported"},
	}
	for _, step := range steps {
		require.Equal(t, step.want, s.Execute(step.cmd), step.cmd)
	}
}

func TestExecuteInfoAndList(t *testing.T) {
	t.Parallel()

	s := New(nil)
	require.Equal(t, "Done", s.Execute("create alpha capacity=500 in_memory=1"))
	require.Equal(t, "Done", s.Execute("create beta"))
	require.Equal(t, "Yes Yes", s.Execute("b alpha x y"))

	info := strings.Split(s.Execute("info alpha"), "\n")
	require.Equal(t, "START", info[0])
	require.Equal(t, "END", info[len(info)-1])
	require.Contains(t, info, "capacity 500")
	require.Contains(t, info, "in_memory 1")
	require.Contains(t, info, "size 2")

	list := strings.Split(s.Execute("list"), "\n")
	require.Len(t, list, 4)
	require.True(t, strings.HasPrefix(list[1], "alpha "))
	require.True(t, strings.HasPrefix(list[2], "beta "))

	list = strings.Split(s.Execute("list be"), "\n")
	require.Equal(t, []string{"START"}, list[:1])
	require.Len(t, list, 3)

	require.Equal(t, "Filter does not exist", s.Execute("info gamma"))
}

func TestExecuteClearAndDrop(t *testing.T) {
	t.Parallel()

	s := New(nil)
	require.Equal(t, "Done", s.Execute("create f"))
	require.Equal(t, "Yes", s.Execute("s f k"))
	require.Equal(t, "Done", s.Execute("clear f"))
	require.Equal(t, "No", s.Execute("c f k"))
	require.Equal(t, "Done", s.Execute("drop f"))
	require.Equal(t, "Filter does not exist", s.Execute("drop f"))
	require.Zero(t, s.Len())
}

func TestServeOverTCP(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// Pipelined: three commands in one write, replies in order.
	_, err = conn.Write([]byte("create tcp\ns tcp k\nc tcp k\n"))
	require.NoError(t, err)
	r := bufio.NewReader(conn)
	for _, want := range []string{"Done", "Yes", "Yes"} {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		require.Equal(t, want, strings.TrimSpace(line))
	}

	cancel()
	require.NoError(t, <-done)
}

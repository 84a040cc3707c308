// Package server is an in-process filter server speaking the bloomd line
// protocol, backed by bits-and-blooms bloom filters. It serves local
// development and tests; filters are never persisted.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"
)

// Server defaults match bloomd.
const (
	DefaultCapacity    = 100000
	DefaultProbability = 0.0001
)

// Replies.
const (
	replyYes    = "Yes"
	replyNo     = "No"
	replyDone   = "Done"
	replyExists = "Exists"

	replyNoFilter    = "Filter does not exist"
	replyBadArgs     = "Client Error: Bad arguments"
	replyUnsupported = "Client Error: Command not supported"
)

type filter struct {
	mu         sync.Mutex
	bf         *bloom.BloomFilter
	capacity   uint
	prob       float64
	inMemory   bool
	size       uint64
	sets       uint64
	setHits    uint64
	checks     uint64
	checkHits  uint64
	closeCount uint64
}

// Server holds named filters and answers protocol commands.
type Server struct {
	logger *zap.Logger

	mu      sync.RWMutex
	filters map[string]*filter

	connMu  sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// New returns an empty Server.
func New(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:  logger,
		filters: make(map[string]*filter),
		conns:   make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes ln and every
// open connection and waits for handlers to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("filter server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.connMu.Lock()
		s.closing = true
		for c := range s.conns {
			_ = c.Close()
		}
		s.connMu.Unlock()
	}()

	defer s.wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.connMu.Lock()
		if s.closing {
			s.connMu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("filter connection closed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
			return
		}
		reply := s.Execute(strings.TrimRight(line, "\r\n"))
		if _, err := w.WriteString(reply + "\n"); err != nil {
			return
		}
		// Pipelined commands arrive together; flush once the batch is drained.
		if r.Buffered() == 0 {
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

// Execute runs one command line and returns the full reply without the final
// newline. Block replies span several lines.
func (s *Server) Execute(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return replyUnsupported
	}
	verb, args := fields[0], fields[1:]
	switch verb {
	case "create":
		return s.create(args)
	case "list":
		return s.list(args)
	case "s", "set":
		return s.withFilter(args, 2, func(f *filter) string { return f.set(args[1:]) })
	case "b", "bulk":
		return s.withFilter(args, 2, func(f *filter) string { return f.set(args[1:]) })
	case "c", "check":
		return s.withFilter(args, 2, func(f *filter) string { return f.check(args[1:]) })
	case "m", "multi":
		return s.withFilter(args, 2, func(f *filter) string { return f.check(args[1:]) })
	case "info":
		return s.withFilter(args, 1, func(f *filter) string { return f.info() })
	case "flush":
		if len(args) == 0 {
			return replyDone
		}
		return s.withFilter(args, 1, func(*filter) string { return replyDone })
	case "drop":
		return s.drop(args)
	case "close":
		return s.withFilter(args, 1, func(f *filter) string {
			f.mu.Lock()
			f.closeCount++
			f.mu.Unlock()
			return replyDone
		})
	case "clear":
		return s.withFilter(args, 1, func(f *filter) string { return f.clear() })
	default:
		return replyUnsupported
	}
}

func (s *Server) withFilter(args []string, minArgs int, fn func(*filter) string) string {
	if len(args) < minArgs {
		return replyBadArgs
	}
	s.mu.RLock()
	f, ok := s.filters[args[0]]
	s.mu.RUnlock()
	if !ok {
		return replyNoFilter
	}
	return fn(f)
}

func (s *Server) create(args []string) string {
	if len(args) == 0 {
		return replyBadArgs
	}
	name := args[0]
	capacity := uint(DefaultCapacity)
	prob := DefaultProbability
	inMemory := false
	for _, arg := range args[1:] {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return replyBadArgs
		}
		switch key {
		case "capacity":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil || n == 0 {
				return replyBadArgs
			}
			capacity = uint(n)
		case "prob":
			p, err := strconv.ParseFloat(value, 64)
			if err != nil || p <= 0 || p >= 1 {
				return replyBadArgs
			}
			prob = p
		case "in_memory":
			inMemory = value == "1"
		default:
			return replyBadArgs
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.filters[name]; ok {
		return replyExists
	}
	s.filters[name] = &filter{
		bf:       bloom.NewWithEstimates(capacity, prob),
		capacity: capacity,
		prob:     prob,
		inMemory: inMemory,
	}
	s.logger.Debug("filter created",
		zap.String("filter", name),
		zap.Uint("capacity", capacity),
		zap.Float64("prob", prob),
	)
	return replyDone
}

func (s *Server) list(args []string) string {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	s.mu.RLock()
	names := make([]string, 0, len(s.filters))
	for name := range s.filters {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	lines := []string{"START"}
	for _, name := range names {
		f := s.filters[name]
		f.mu.Lock()
		lines = append(lines, fmt.Sprintf("%s %f %d %d %d", name, f.prob, f.bf.Cap()/8, f.capacity, f.size))
		f.mu.Unlock()
	}
	s.mu.RUnlock()
	lines = append(lines, "END")
	return strings.Join(lines, "\n")
}

func (s *Server) drop(args []string) string {
	if len(args) < 1 {
		return replyBadArgs
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.filters[args[0]]; !ok {
		return replyNoFilter
	}
	delete(s.filters, args[0])
	return replyDone
}

// Len returns the number of filters held.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.filters)
}

func (f *filter) set(keys []string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(keys))
	for i, key := range keys {
		f.sets++
		if f.bf.TestAndAdd([]byte(key)) {
			out[i] = replyNo
			continue
		}
		f.setHits++
		f.size++
		out[i] = replyYes
	}
	return strings.Join(out, " ")
}

func (f *filter) check(keys []string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(keys))
	for i, key := range keys {
		f.checks++
		if f.bf.Test([]byte(key)) {
			f.checkHits++
			out[i] = replyYes
			continue
		}
		out[i] = replyNo
	}
	return strings.Join(out, " ")
}

func (f *filter) clear() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bf.ClearAll()
	f.size = 0
	return replyDone
}

func (f *filter) info() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	inMemory := 0
	if f.inMemory {
		inMemory = 1
	}
	return strings.Join([]string{
		"START",
		fmt.Sprintf("capacity %d", f.capacity),
		fmt.Sprintf("checks %d", f.checks),
		fmt.Sprintf("check_hits %d", f.checkHits),
		fmt.Sprintf("check_misses %d", f.checks-f.checkHits),
		fmt.Sprintf("in_memory %d", inMemory),
		fmt.Sprintf("page_ins %d", f.closeCount),
		fmt.Sprintf("page_outs %d", f.closeCount),
		fmt.Sprintf("probability %f", f.prob),
		fmt.Sprintf("sets %d", f.sets),
		fmt.Sprintf("set_hits %d", f.setHits),
		fmt.Sprintf("set_misses %d", f.sets-f.setHits),
		fmt.Sprintf("size %d", f.size),
		fmt.Sprintf("storage %d", f.bf.Cap()/8),
		"END",
	}, "\n")
}

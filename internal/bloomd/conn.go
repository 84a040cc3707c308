// Package bloomd is a client for bloomd-compatible filter servers.
//
// The protocol is line oriented: every command is one line and every reply is
// either a single line (Yes, No, Done, Exists, or a space separated list of
// Yes/No for bulk commands) or a block framed by START and END lines. Replies
// arrive in command order, which is what makes pipelining possible.
package bloomd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultPort is the bloomd TCP port.
	DefaultPort = 8673
	// DefaultAttempts bounds retries of transient socket failures.
	DefaultAttempts = 3
	// DefaultTimeout bounds dialing and each read or write.
	DefaultTimeout = 5 * time.Second

	blockStart = "START"
	blockEnd   = "END"
)

// Conn is a lazily dialed connection to one filter server. It is safe for
// concurrent use; each Do call has exclusive use of the socket.
type Conn struct {
	addr     string
	timeout  time.Duration
	attempts int
	logger   *zap.Logger

	mu     sync.Mutex
	nc     net.Conn
	reader *bufio.Reader
}

// NewConn returns an unconnected Conn for addr. An addr without a port uses
// DefaultPort.
func NewConn(addr string, timeout time.Duration, attempts int, logger *zap.Logger) *Conn {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, fmt.Sprint(DefaultPort))
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{addr: addr, timeout: timeout, attempts: attempts, logger: logger}
}

// Addr returns the server address.
func (c *Conn) Addr() string {
	return c.addr
}

// Exchange is the view of a Conn handed to a Do callback.
type Exchange struct {
	c   *Conn
	ctx context.Context
}

// Send writes cmds, one per line, in a single write.
func (e *Exchange) Send(cmds ...string) error {
	if err := e.c.ensure(e.ctx); err != nil {
		return err
	}
	var b strings.Builder
	for _, cmd := range cmds {
		b.WriteString(cmd)
		b.WriteByte('\n')
	}
	if err := e.c.nc.SetWriteDeadline(e.c.deadline(e.ctx)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := io.WriteString(e.c.nc, b.String()); err != nil {
		return fmt.Errorf("write to %s: %w", e.c.addr, err)
	}
	return nil
}

// ReadLine reads one reply line without its terminator.
func (e *Exchange) ReadLine() (string, error) {
	if err := e.c.ensure(e.ctx); err != nil {
		return "", err
	}
	if err := e.c.nc.SetReadDeadline(e.c.deadline(e.ctx)); err != nil {
		return "", fmt.Errorf("set read deadline: %w", err)
	}
	line, err := e.c.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read from %s: %w", e.c.addr, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadBlock reads a START...END block and returns the lines between.
func (e *Exchange) ReadBlock(command string) ([]string, error) {
	first, err := e.ReadLine()
	if err != nil {
		return nil, err
	}
	if first != blockStart {
		return nil, unexpected(command, first)
	}
	var lines []string
	for {
		line, err := e.ReadLine()
		if err != nil {
			return nil, err
		}
		if line == blockEnd {
			return lines, nil
		}
		if line == "" {
			return nil, unexpected(command, "blank line inside block")
		}
		lines = append(lines, line)
	}
}

// Do runs fn with exclusive use of the socket. When fn fails with a transient
// socket error the connection is redialed and fn runs again, up to the
// configured attempt count. fn must therefore be safe to repeat.
func (c *Conn) Do(ctx context.Context, fn func(*Exchange) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ex := &Exchange{c: c, ctx: ctx}
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		err := fn(ex)
		if err == nil {
			return nil
		}
		var respErr *ResponseError
		if errors.As(err, &respErr) {
			return err
		}
		c.reset()
		if !IsTransient(err) {
			return err
		}
		lastErr = err
		c.logger.Warn("filter server command failed",
			zap.String("server", c.addr),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			return fmt.Errorf("filter server %s: %w", c.addr, ctx.Err())
		}
	}
	c.logger.Error("filter server unavailable",
		zap.String("server", c.addr),
		zap.Int("attempts", c.attempts),
		zap.Error(lastErr),
	)
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrUnavailable, c.addr, c.attempts, lastErr)
}

// SendAndReceive sends one command and returns its single line reply.
func (c *Conn) SendAndReceive(ctx context.Context, cmd string) (string, error) {
	var resp string
	err := c.Do(ctx, func(ex *Exchange) error {
		if err := ex.Send(cmd); err != nil {
			return err
		}
		line, err := ex.ReadLine()
		resp = line
		return err
	})
	return resp, err
}

// SendAndReadBlock sends one command and returns the lines of its block reply.
func (c *Conn) SendAndReadBlock(ctx context.Context, cmd string) ([]string, error) {
	var lines []string
	err := c.Do(ctx, func(ex *Exchange) error {
		if err := ex.Send(cmd); err != nil {
			return err
		}
		block, err := ex.ReadBlock(cmd)
		lines = block
		return err
	})
	return lines, err
}

// Close drops the socket. A later command dials again.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil
	}
	err := c.nc.Close()
	c.nc, c.reader = nil, nil
	return err
}

func (c *Conn) ensure(ctx context.Context) error {
	if c.nc != nil {
		return nil
	}
	d := net.Dialer{Timeout: c.timeout, KeepAlive: 30 * time.Second}
	nc, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial filter server %s: %w", c.addr, err)
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			c.logger.Debug("set TCP_NODELAY failed", zap.String("server", c.addr), zap.Error(err))
		}
	}
	c.nc = nc
	c.reader = bufio.NewReader(nc)
	return nil
}

func (c *Conn) reset() {
	if c.nc != nil {
		_ = c.nc.Close()
	}
	c.nc, c.reader = nil, nil
}

func (c *Conn) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

// IsTransient reports whether err is a socket failure worth a reconnect:
// reset, refused, unreachable, broken pipe, temporarily unavailable, a peer
// that hung up, or a timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET,
		syscall.ECONNREFUSED,
		syscall.EHOSTUNREACH,
		syscall.EPIPE,
		syscall.EAGAIN,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

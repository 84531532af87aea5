package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/keyedmutexd/api"
	"pkt.systems/pslog"
)

var (
	// ErrClosed is returned once the connection is gone.
	ErrClosed = errors.New("client: connection closed")
	// ErrUnexpectedReply is returned when the server sends a byte the
	// protocol does not allow at that point.
	ErrUnexpectedReply = errors.New("client: unexpected reply")
	// ErrNotOwner is returned by Release when no key is owned.
	ErrNotOwner = errors.New("client: key not owned")
	// ErrAlreadyOwner is returned by Acquire while a key is still owned.
	ErrAlreadyOwner = errors.New("client: key already owned")
	// ErrOwnershipLost is delivered on Lost when the server stops treating the
	// client as owner without the client releasing.
	ErrOwnershipLost = errors.New("client: ownership lost")
)

// Option customises a Client.
type Option func(*config)

type config struct {
	logger pslog.Logger
	dialer *net.Dialer
}

// WithLogger supplies a logger for retry and release events.
func WithLogger(l pslog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithDialer overrides the dialer used by Dial.
func WithDialer(d *net.Dialer) Option {
	return func(c *config) {
		c.dialer = d
	}
}

// Client is one connection to a keyedmutexd server. Methods must not be called
// concurrently, except Close.
type Client struct {
	conn   net.Conn
	logger pslog.Logger

	mu        sync.Mutex
	closed    bool
	owned     bool
	key       api.Key
	lost      chan error
	watchDone chan struct{}
}

// ParseAddress maps a server address to a network and dial address.
func ParseAddress(addr string) (network, address string, err error) {
	addr = strings.TrimSpace(addr)
	switch {
	case addr == "":
		return "", "", errors.New("client: empty address")
	case strings.HasPrefix(addr, "unix://"):
		path := strings.TrimPrefix(addr, "unix://")
		if path == "" {
			return "", "", fmt.Errorf("client: %q missing socket path", addr)
		}
		return "unix", path, nil
	case strings.HasPrefix(addr, "tcp://"):
		addr = strings.TrimPrefix(addr, "tcp://")
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return "", "", fmt.Errorf("client: parse %q: %w", addr, err)
		}
		return "tcp", addr, nil
	}
	if _, err := strconv.ParseUint(addr, 10, 16); err == nil {
		return "tcp", net.JoinHostPort("127.0.0.1", addr), nil
	}
	if strings.Contains(addr, "/") {
		return "unix", addr, nil
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return "tcp", addr, nil
	}
	return "unix", addr, nil
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	cfg := config{dialer: &net.Dialer{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = pslog.NoopLogger()
	}
	network, address, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	conn, err := cfg.dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s %s: %w", network, address, err)
	}
	return &Client{conn: conn, logger: cfg.logger.With("sys", "client", "addr", address)}, nil
}

// Acquire sends key and blocks until it is owned. If ctx ends first the
// connection is closed and ctx.Err() is returned.
func (c *Client) Acquire(ctx context.Context, key api.Key) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.owned:
		c.mu.Unlock()
		return ErrAlreadyOwner
	}
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	reply := make([]byte, 1)
	for attempt := 1; ; attempt++ {
		if _, err := c.conn.Write(key[:]); err != nil {
			return c.ioError(ctx, err)
		}
		if _, err := io.ReadFull(c.conn, reply); err != nil {
			return c.ioError(ctx, err)
		}
		switch reply[0] {
		case api.OwnerMarker:
			c.mu.Lock()
			c.owned = true
			c.key = key
			c.lost = make(chan error, 1)
			c.watchDone = make(chan struct{})
			go c.watch(key, c.lost, c.watchDone)
			c.mu.Unlock()
			c.logger.Debug("client.acquire.owner", "key", key.String(), "attempts", attempt)
			return nil
		case api.ReleaseMarker:
			c.logger.Debug("client.acquire.retry", "key", key.String(), "attempt", attempt)
		default:
			_ = c.Close()
			return fmt.Errorf("%w: %q", ErrUnexpectedReply, reply[0])
		}
	}
}

// Release gives up the owned key. The connection stays usable.
func (c *Client) Release() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.owned {
		c.mu.Unlock()
		return ErrNotOwner
	}
	key := c.key
	c.owned = false
	done := c.watchDone
	c.watchDone = nil
	c.mu.Unlock()
	if done != nil {
		// Unblock the watcher's read so the connection is ours again.
		_ = c.conn.SetReadDeadline(time.Now())
		<-done
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	if _, err := c.conn.Write([]byte{api.ReleaseMarker}); err != nil {
		_ = c.Close()
		return fmt.Errorf("client: release: %w", err)
	}
	c.logger.Debug("client.release", "key", key.String())
	return nil
}

// Lost returns a channel that receives ErrOwnershipLost (wrapping the cause)
// if the current ownership ends without Release or Close, for example because
// the server went away. The channel is closed once the ownership ends either
// way. Lost returns nil before the first successful Acquire.
func (c *Client) Lost() <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

// Owned reports whether the client currently owns a key.
func (c *Client) Owned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owned
}

// Close closes the connection, which implicitly releases an owned key.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.owned = false
	done := c.watchDone
	c.watchDone = nil
	c.mu.Unlock()
	err := c.conn.Close()
	if done != nil {
		<-done
	}
	return err
}

// watch reads the connection while key is owned. The server never writes to
// an owner, so any byte, end of stream or read error means the server no
// longer considers this client the owner.
func (c *Client) watch(key api.Key, lost chan<- error, done chan<- struct{}) {
	defer close(done)
	defer close(lost)
	buf := make([]byte, 1)
	n, err := c.conn.Read(buf)

	c.mu.Lock()
	if !c.owned {
		// Release or Close got here first.
		c.mu.Unlock()
		return
	}
	c.owned = false
	c.closed = true
	c.watchDone = nil
	c.mu.Unlock()
	_ = c.conn.Close()

	var cause error
	switch {
	case n > 0:
		cause = fmt.Errorf("%w: %w: %q", ErrOwnershipLost, ErrUnexpectedReply, buf[0])
	case errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed):
		cause = fmt.Errorf("%w: %w", ErrOwnershipLost, ErrClosed)
	default:
		cause = fmt.Errorf("%w: %w", ErrOwnershipLost, err)
	}
	c.logger.Warn("client.lost", "key", key.String(), "error", cause)
	lost <- cause
}

func (c *Client) ioError(ctx context.Context, err error) error {
	_ = c.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("client: %w", err)
}

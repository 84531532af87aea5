package netpoll

import (
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
)

// Conn is one accepted connection. Pending input is guarded by the poller's
// mutex; Write and Close are called from the loop goroutine.
type Conn struct {
	id     xid.ID
	nc     net.Conn
	poller *Poller
	remote string
	fields []any

	// guarded by poller.mu
	pending []byte
	readErr error

	drained   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// ID returns the handle minted at accept time.
func (c *Conn) ID() xid.ID { return c.id }

// RemoteAddr returns the peer address, or the local socket name for UNIX
// peers without one.
func (c *Conn) RemoteAddr() string { return c.remote }

// LogFields returns the peer credentials, if they could be read.
func (c *Conn) LogFields() []any { return c.fields }

// Write sends p with the poller's write deadline.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.poller.writeTimeout)); err != nil {
		return 0, err
	}
	return c.nc.Write(p)
}

// Close closes the socket and drops the connection from the poller. It is
// idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.poller.forget(c)
		err = c.nc.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	defer c.poller.wg.Done()
	buf := make([]byte, readChunk)
	for {
		if !c.waitRoom() {
			return
		}
		n, err := c.nc.Read(buf)
		p := c.poller
		p.mu.Lock()
		if n > 0 {
			c.pending = append(c.pending, buf[:n]...)
		}
		if err != nil {
			c.readErr = err
		}
		p.notifyLocked()
		p.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// waitRoom blocks while the pending buffer is full. It reports false once the
// connection has been closed.
func (c *Conn) waitRoom() bool {
	for {
		c.poller.mu.Lock()
		full := len(c.pending) >= maxPending
		c.poller.mu.Unlock()
		if !full {
			return true
		}
		select {
		case <-c.drained:
		case <-c.closed:
			return false
		}
	}
}

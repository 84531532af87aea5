// Package netpoll implements loop.Poller over a net.Listener.
//
// Go does not expose readiness notification for sockets, so every accepted
// connection gets a reader goroutine that appends to a pending buffer. The
// loop goroutine sees a connection as ready while its buffer is non-empty (or
// once it has hit end-of-stream) and consumes exactly what the protocol asks
// for. The acceptor keeps accepted-but-unattached connections at or below the
// number of free slots the loop last reported; beyond that new connections
// wait in the kernel backlog.
package netpoll

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/keyedmutexd/api"
	"pkt.systems/keyedmutexd/internal/engine"
	"pkt.systems/keyedmutexd/internal/loop"
	"pkt.systems/keyedmutexd/internal/peercred"
	"pkt.systems/keyedmutexd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultWriteTimeout bounds a single marker write.
	DefaultWriteTimeout = time.Second
	// DefaultAcceptBackoff is the pause after a transient accept error.
	DefaultAcceptBackoff = 50 * time.Millisecond

	readChunk = 512
	// maxPending stops a reader from buffering more than this many unconsumed
	// bytes for one connection.
	maxPending = 4096
)

// Config configures a Poller.
type Config struct {
	Listener      net.Listener
	Logger        pslog.Logger
	WriteTimeout  time.Duration
	AcceptBackoff time.Duration
	// Admit, when set, is consulted for every accepted connection; returning
	// false closes the connection before it reaches the engine.
	Admit func(net.Conn) bool
}

// Poller is the production loop.Poller.
type Poller struct {
	ln            net.Listener
	logger        pslog.Logger
	writeTimeout  time.Duration
	acceptBackoff time.Duration
	admit         func(net.Conn) bool

	mu         sync.Mutex
	changed    chan struct{}
	backlog    []*Conn
	live       []*Conn
	free       int
	acceptBusy bool
	failed     error

	acceptWant chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// New starts the acceptor goroutine. Close must be called to release it.
func New(cfg Config) (*Poller, error) {
	if cfg.Listener == nil {
		return nil, errors.New("netpoll: listener required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.AcceptBackoff <= 0 {
		cfg.AcceptBackoff = DefaultAcceptBackoff
	}
	p := &Poller{
		ln:            cfg.Listener,
		logger:        svcfields.WithSubsystem(cfg.Logger, svcfields.Netpoll),
		writeTimeout:  cfg.WriteTimeout,
		acceptBackoff: cfg.AcceptBackoff,
		admit:         cfg.Admit,
		changed:       make(chan struct{}),
		acceptWant:    make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	p.wg.Add(1)
	go p.acceptLoop()
	return p, nil
}

func (p *Poller) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Wait implements loop.Poller. Ready data is capped at api.KeySize bytes,
// the most a single protocol step consumes.
func (p *Poller) Wait(ctx context.Context, wake <-chan time.Time, free int) (loop.Events, error) {
	for {
		p.mu.Lock()
		p.free = free
		if p.wantAcceptLocked() && !p.acceptBusy {
			p.acceptBusy = true
			select {
			case p.acceptWant <- struct{}{}:
			default:
			}
		}
		var ev loop.Events
		ev.Listener = free > 0 && len(p.backlog) > 0
		for _, c := range p.live {
			switch {
			case len(c.pending) > 0:
				n := min(len(c.pending), api.KeySize)
				ev.Conns = append(ev.Conns, loop.Ready{ID: c.id, Data: append([]byte(nil), c.pending[:n]...)})
			case c.readErr != nil:
				ev.Conns = append(ev.Conns, loop.Ready{ID: c.id, Err: c.readErr})
			}
		}
		failed := p.failed
		changed := p.changed
		p.mu.Unlock()

		if ev.Listener || len(ev.Conns) > 0 {
			return ev, nil
		}
		if failed != nil {
			return loop.Events{}, failed
		}
		select {
		case <-ctx.Done():
			return loop.Events{}, ctx.Err()
		case <-wake:
			return loop.Events{Idle: true}, nil
		case <-changed:
		}
	}
}

// Accept implements loop.Poller.
func (p *Poller) Accept() (engine.Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.backlog) == 0 {
		return nil, false
	}
	c := p.backlog[0]
	p.backlog = p.backlog[1:]
	p.live = append(p.live, c)
	if p.free > 0 {
		p.free--
	}
	return c, true
}

// wantAcceptLocked reports whether another connection may be accepted without
// exceeding the free slots last reported by the loop.
func (p *Poller) wantAcceptLocked() bool {
	return p.failed == nil && p.free > len(p.backlog)
}

// Consume implements loop.Poller.
func (p *Poller) Consume(id xid.ID, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.live {
		if c.id != id {
			continue
		}
		if n >= len(c.pending) {
			c.pending = c.pending[:0]
		} else {
			c.pending = append(c.pending[:0], c.pending[n:]...)
		}
		select {
		case c.drained <- struct{}{}:
		default:
		}
		return
	}
}

// Close stops accepting, closes the listener and every connection the poller
// still knows about, and waits for all goroutines to exit.
func (p *Poller) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.ln.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		p.mu.Lock()
		conns := append(append([]*Conn(nil), p.backlog...), p.live...)
		if p.failed == nil {
			p.failed = loop.ErrPollerClosed
		}
		p.notifyLocked()
		p.mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	p.wg.Wait()
	return err
}

func (p *Poller) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed == nil {
		p.failed = err
	}
	p.acceptBusy = false
	p.notifyLocked()
}

func (p *Poller) acceptLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-p.acceptWant:
		}
		for {
			if !p.acceptOne() {
				return
			}
			p.mu.Lock()
			more := p.wantAcceptLocked()
			if !more {
				p.acceptBusy = false
			}
			p.mu.Unlock()
			if !more {
				break
			}
		}
	}
}

// acceptOne blocks until one connection has been admitted into the backlog.
// It reports false once the listener is gone.
func (p *Poller) acceptOne() bool {
	for {
		nc, err := p.ln.Accept()
		if err != nil {
			select {
			case <-p.done:
				p.fail(loop.ErrPollerClosed)
				return false
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				p.fail(fmt.Errorf("%w: %v", loop.ErrPollerClosed, err))
				return false
			}
			p.logger.Warn("accept failed", "error", err, "backoff", p.acceptBackoff)
			select {
			case <-p.done:
				p.fail(loop.ErrPollerClosed)
				return false
			case <-time.After(p.acceptBackoff):
			}
			continue
		}
		if p.admit != nil && !p.admit(nc) {
			_ = nc.Close()
			continue
		}
		c := p.newConn(nc)
		p.mu.Lock()
		p.backlog = append(p.backlog, c)
		p.notifyLocked()
		p.mu.Unlock()
		return true
	}
}

func (p *Poller) newConn(nc net.Conn) *Conn {
	c := &Conn{
		id:      xid.New(),
		nc:      nc,
		poller:  p,
		remote:  remoteString(nc),
		drained: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	if uc, ok := nc.(*net.UnixConn); ok {
		if cred, err := peercred.Read(uc); err == nil {
			c.fields = cred.Fields()
		} else if !errors.Is(err, peercred.ErrUnsupported) {
			p.logger.Debug("peer credentials unavailable", svcfields.ConnKey, c.id.String(), "error", err)
		}
	}
	p.wg.Add(1)
	go c.readLoop()
	return c
}

func (p *Poller) forget(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, live := range p.live {
		if live == c {
			p.live = append(p.live[:i], p.live[i+1:]...)
			return
		}
	}
	for i, queued := range p.backlog {
		if queued == c {
			p.backlog = append(p.backlog[:i], p.backlog[i+1:]...)
			return
		}
	}
}

func remoteString(nc net.Conn) string {
	if addr := nc.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	if addr := nc.LocalAddr(); addr != nil {
		return addr.Network() + ":" + addr.String()
	}
	return ""
}

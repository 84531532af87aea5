// Package loop drives the lock engine from a single goroutine. Every engine
// call happens on the goroutine running Loop.Run.
package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"pkt.systems/keyedmutexd/internal/clock"
	"pkt.systems/keyedmutexd/internal/engine"
	"pkt.systems/keyedmutexd/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultIdleWake is how long Wait may block before the loop logs a heartbeat.
const DefaultIdleWake = 60 * time.Second

// ErrPollerClosed is returned by a Poller whose underlying listener is gone.
var ErrPollerClosed = errors.New("loop: poller closed")

// Ready describes one connection with something to read. Data is a snapshot of
// a prefix of the bytes pending for the connection, at least as long as one
// protocol step needs. Err is the terminal read error and is only set once
// Data is empty.
type Ready struct {
	ID   xid.ID
	Data []byte
	Err  error
}

// Events is the readiness set returned by one Poller.Wait.
type Events struct {
	// Idle reports that the wake channel fired before anything became ready.
	Idle bool
	// Listener reports that at least one accepted connection is pending.
	// Every pending connection is attached before the next Wait while slots
	// remain.
	Listener bool
	Conns    []Ready
}

// Poller reports readiness of the listener and of accepted connections.
// Readiness is level-triggered: a connection stays ready until every pending
// byte has been consumed.
type Poller interface {
	// Wait blocks until something is ready, wake fires or ctx ends. free is
	// the number of unused slots; the listener is armed only while it is
	// positive and no more than free connections are accepted ahead of
	// Accept. A Wait that returns because wake fired sets Events.Idle.
	Wait(ctx context.Context, wake <-chan time.Time, free int) (Events, error)
	// Accept returns the next pending connection, if any.
	Accept() (engine.Conn, bool)
	// Consume drops the first n pending bytes of a connection.
	Consume(id xid.ID, n int)
}

// Config wires a Loop.
type Config struct {
	Engine   *engine.Engine
	Poller   Poller
	Clock    clock.Clock
	IdleWake time.Duration
	Logger   pslog.Logger
}

// Loop is the readiness loop.
type Loop struct {
	engine   *engine.Engine
	poller   Poller
	clock    clock.Clock
	idleWake time.Duration
	logger   pslog.Logger
}

// New validates cfg and returns a Loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Engine == nil {
		return nil, errors.New("loop: engine required")
	}
	if cfg.Poller == nil {
		return nil, errors.New("loop: poller required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.IdleWake <= 0 {
		cfg.IdleWake = DefaultIdleWake
	}
	return &Loop{
		engine:   cfg.Engine,
		poller:   cfg.Poller,
		clock:    cfg.Clock,
		idleWake: cfg.IdleWake,
		logger:   svcfields.WithSubsystem(cfg.Logger, svcfields.Loop),
	}, nil
}

// Run processes readiness events until ctx is cancelled or the poller fails.
// Every attached connection is closed before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	defer l.engine.Shutdown()
	wake := l.clock.After(l.idleWake)
	for {
		if ctx.Err() != nil {
			return nil
		}
		ev, err := l.poller.Wait(ctx, wake, l.engine.Available())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("loop: wait: %w", err)
		}
		if ev.Idle {
			l.heartbeat()
			wake = l.clock.After(l.idleWake)
			continue
		}
		if ev.Listener {
			l.acceptPending()
		}
		for _, r := range ev.Conns {
			if n := l.engine.Dispatch(r.ID, r.Data, r.Err); n > 0 {
				l.poller.Consume(r.ID, n)
			}
		}
	}
}

func (l *Loop) acceptPending() {
	for l.engine.Available() > 0 {
		c, ok := l.poller.Accept()
		if !ok {
			return
		}
		if _, err := l.engine.Attach(c); err != nil {
			l.logger.Warn("attach failed", svcfields.ConnKey, c.ID().String(), "error", err)
			_ = c.Close()
		}
	}
}

func (l *Loop) heartbeat() {
	st := l.engine.Stats()
	l.logger.Debug("idle",
		"connections", st.Connections,
		"owners", st.Owners,
		"waiters", st.Waiters,
		"length", st.Length,
		"capacity", st.Capacity,
	)
}

// Package engine arbitrates key ownership between connections. An Engine owns
// the slot table and every attached connection's protocol phase; it is driven
// from a single goroutine and performs no locking of its own.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/keyedmutexd/api"
	"pkt.systems/keyedmutexd/internal/slots"
	"pkt.systems/keyedmutexd/internal/svcfields"
	"pkt.systems/pslog"
)

var (
	// ErrFull is returned by Attach when no slot is free.
	ErrFull = errors.New("engine: no free slot")
	// ErrAlreadyAttached is returned by Attach for a handle that is already
	// attached.
	ErrAlreadyAttached = errors.New("engine: connection already attached")
)

// Conn is the transport of one client connection.
type Conn interface {
	ID() xid.ID
	RemoteAddr() string
	Write(p []byte) (int, error)
	Close() error
}

// logFielder is implemented by connections that carry extra metadata worth
// logging when they connect (for example peer credentials).
type logFielder interface {
	LogFields() []any
}

// Config configures an Engine.
type Config struct {
	// Capacity is the maximum number of concurrently attached connections.
	Capacity int
	// Logger receives connection lifecycle lines.
	Logger pslog.Logger
	// OnClose, when set, is called after a connection has been closed.
	OnClose func(remote string, reason CloseReason)
}

type conn struct {
	id     xid.ID
	t      Conn
	phase  Phase
	remote string
}

// Engine implements the lock protocol over a fixed set of slots.
type Engine struct {
	table   *slots.Table[*conn]
	byID    map[xid.ID]int
	logger  pslog.Logger
	onClose func(string, CloseReason)
	metrics *engineMetrics
	tracer  trace.Tracer

	conns   atomic.Int64
	owners  atomic.Int64
	waiters atomic.Int64
	length  atomic.Int64
}

// New allocates the slot table. A non-positive capacity is an error.
func New(cfg Config) (*Engine, error) {
	table, err := slots.New[*conn](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("engine: allocate connection table: %w", err)
	}
	logger := svcfields.WithSubsystem(cfg.Logger, svcfields.EngineConn)
	e := &Engine{
		table:   table,
		byID:    make(map[xid.ID]int, cfg.Capacity),
		logger:  logger,
		onClose: cfg.OnClose,
		tracer:  otel.Tracer("pkt.systems/keyedmutexd/engine"),
	}
	e.metrics = newEngineMetrics(logger, e)
	return e, nil
}

// Capacity returns the fixed number of slots.
func (e *Engine) Capacity() int { return e.table.Cap() }

// Available returns the number of free slots.
func (e *Engine) Available() int { return e.table.Available() }

// Attach claims the lowest free slot for c and puts it in ReadingKey.
func (e *Engine) Attach(c Conn) (int, error) {
	id := c.ID()
	if _, dup := e.byID[id]; dup {
		return -1, ErrAlreadyAttached
	}
	rec := &conn{id: id, t: c, phase: ReadingKey{}, remote: c.RemoteAddr()}
	slot, err := e.table.Allocate(rec)
	if err != nil {
		if errors.Is(err, slots.ErrFull) {
			return -1, ErrFull
		}
		return -1, err
	}
	e.byID[id] = slot
	e.conns.Add(1)
	e.length.Store(int64(e.table.Len()))
	fields := []any{svcfields.ConnKey, id.String(), svcfields.SlotKey, slot, svcfields.RemoteKey, rec.remote}
	if lf, ok := c.(logFielder); ok {
		fields = append(fields, lf.LogFields()...)
	}
	e.logger.Info("connected", fields...)
	e.metrics.recordAccept()
	return slot, nil
}

// Dispatch feeds one read event to the connection identified by id and
// returns how many bytes of data were consumed. Unknown handles are ignored.
func (e *Engine) Dispatch(id xid.ID, data []byte, readErr error) int {
	slot, ok := e.byID[id]
	if !ok {
		return 0
	}
	c, ok := e.table.Get(slot)
	if !ok {
		return 0
	}
	step := Transition(c.phase, data, readErr, e.held)
	e.apply(slot, c, step)
	return step.Consumed
}

// Shutdown closes every attached connection. No release notifications are
// sent since every waiter is closed as well.
func (e *Engine) Shutdown() {
	for _, slot := range e.table.Select(func(*conn) bool { return true }) {
		if c, ok := e.table.Get(slot); ok {
			e.close(slot, c, ReasonShutdown)
		}
	}
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Capacity    int
	Connections int
	Owners      int
	Waiters     int
	// Length is one past the highest in-use slot.
	Length int
}

// Stats may be called from any goroutine.
func (e *Engine) Stats() Stats {
	return Stats{
		Capacity:    e.table.Cap(),
		Connections: int(e.conns.Load()),
		Owners:      int(e.owners.Load()),
		Waiters:     int(e.waiters.Load()),
		Length:      int(e.length.Load()),
	}
}

// SlotInfo describes one in-use slot.
type SlotInfo struct {
	Slot  int
	ID    xid.ID
	State State
	Key   api.Key
}

// Snapshot lists the in-use slots in ascending order. It must only be called
// from the goroutine driving the engine.
func (e *Engine) Snapshot() []SlotInfo {
	var out []SlotInfo
	e.table.Each(func(i int, c *conn) bool {
		info := SlotInfo{Slot: i, ID: c.id, State: c.phase.State()}
		switch p := c.phase.(type) {
		case Owner:
			info.Key = p.Key
		case Waiting:
			info.Key = p.Key
		case ReadingKey:
			info.Key = p.Buf
		}
		out = append(out, info)
		return true
	})
	return out
}

func (e *Engine) held(key api.Key) bool {
	found := false
	e.table.Each(func(_ int, c *conn) bool {
		if o, ok := c.phase.(Owner); ok && o.Key == key {
			found = true
			return false
		}
		return true
	})
	return found
}

func (e *Engine) apply(slot int, c *conn, step Step) {
	prev := c.phase
	if step.Next == nil {
		e.close(slot, c, step.Reason)
		if step.Effect == EffectRelease {
			if o, ok := prev.(Owner); ok {
				e.release(slot, c, o.Key, false)
			}
		}
		return
	}
	e.setPhase(c, step.Next)
	switch step.Effect {
	case EffectGrant:
		key := step.Next.(Owner).Key
		if err := e.send(c, api.OwnerMarker); err != nil {
			e.logger.Debug("grant write failed", svcfields.ConnKey, c.id.String(), "error", err)
			e.close(slot, c, ReasonWrite)
			e.release(slot, c, key, false)
			return
		}
		e.logger.Info("owner", svcfields.ConnKey, c.id.String(), svcfields.SlotKey, slot, svcfields.KeyKey, key.String())
		e.metrics.recordGrant()
	case EffectWait:
		key := step.Next.(Waiting).Key
		e.logger.Info("notowner", svcfields.ConnKey, c.id.String(), svcfields.SlotKey, slot, svcfields.KeyKey, key.String())
		e.metrics.recordWait()
	case EffectRelease:
		if o, ok := prev.(Owner); ok {
			e.release(slot, c, o.Key, true)
		}
	}
}

// release wakes every waiter of key in ascending slot order. Each woken
// waiter is put back into ReadingKey; a waiter that cannot be written to is
// closed.
func (e *Engine) release(slot int, from *conn, key api.Key, explicit bool) {
	_, span := e.tracer.Start(context.Background(), "keyedmutexd.release",
		trace.WithAttributes(
			attribute.String("keyedmutexd.key", key.String()),
			attribute.Bool("keyedmutexd.release.explicit", explicit),
		))
	defer span.End()

	e.logger.Info("release",
		svcfields.ConnKey, from.id.String(),
		svcfields.SlotKey, slot,
		svcfields.KeyKey, key.String(),
		"explicit", explicit,
	)
	e.metrics.recordRelease(explicit)

	var notified, failed int
	waiting := e.table.Select(func(c *conn) bool {
		w, ok := c.phase.(Waiting)
		return ok && w.Key == key
	})
	for _, ws := range waiting {
		w, ok := e.table.Get(ws)
		if !ok {
			continue
		}
		if err := e.send(w, api.ReleaseMarker); err != nil {
			e.logger.Debug("notify write failed", svcfields.ConnKey, w.id.String(), "error", err)
			e.close(ws, w, ReasonWrite)
			e.metrics.recordNotify(false)
			failed++
			continue
		}
		e.setPhase(w, ReadingKey{})
		e.logger.Info("notify", svcfields.ConnKey, w.id.String(), svcfields.SlotKey, ws, svcfields.KeyKey, key.String())
		e.metrics.recordNotify(true)
		notified++
	}
	span.SetAttributes(
		attribute.Int("keyedmutexd.release.notified", notified),
		attribute.Int("keyedmutexd.release.failed", failed),
	)
}

func (e *Engine) send(c *conn, b byte) error {
	n, err := c.t.Write([]byte{b})
	if err != nil {
		return err
	}
	if n != 1 {
		return io.ErrShortWrite
	}
	return nil
}

func (e *Engine) setPhase(c *conn, next Phase) {
	e.adjust(c.phase.State(), -1)
	c.phase = next
	e.adjust(next.State(), 1)
}

func (e *Engine) adjust(s State, delta int64) {
	switch s {
	case StateOwner:
		e.owners.Add(delta)
	case StateWaiting:
		e.waiters.Add(delta)
	}
}

func (e *Engine) close(slot int, c *conn, reason CloseReason) {
	if err := c.t.Close(); err != nil {
		e.logger.Debug("transport close failed", svcfields.ConnKey, c.id.String(), "error", err)
	}
	e.adjust(c.phase.State(), -1)
	e.table.Free(slot)
	delete(e.byID, c.id)
	e.conns.Add(-1)
	e.length.Store(int64(e.table.Len()))
	e.logger.Info("closed", svcfields.ConnKey, c.id.String(), svcfields.SlotKey, slot, svcfields.ReasonKey, string(reason))
	e.metrics.recordClose(reason)
	if e.onClose != nil {
		e.onClose(c.remote, reason)
	}
}

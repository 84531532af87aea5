package connguard

import (
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/keyedmutexd/internal/svcfields"
	"pkt.systems/pslog"
)

// ConnectionGuardConfig controls per-remote blocking of misbehaving TCP
// clients. Only IP remotes are tracked; UNIX socket peers are never blocked.
type ConnectionGuardConfig struct {
	// Enabled toggles guard enforcement.
	Enabled bool
	// FailureThreshold is the number of protocol violations before blocking.
	FailureThreshold int
	// FailureWindow defines the period for counting violations.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked IP remains blocked.
	BlockDuration time.Duration
}

type connectionEvent struct {
	failures     []time.Time
	blockedUntil time.Time
}

// ConnectionGuard stores per-remote violation state. It is safe for use from
// the acceptor and the loop goroutine at the same time.
type ConnectionGuard struct {
	cfg    ConnectionGuardConfig
	logger pslog.Logger
	mu     sync.Mutex
	now    func() time.Time
	events map[string]*connectionEvent
}

// NewConnectionGuard constructs a connection guard with supplied config.
func NewConnectionGuard(cfg ConnectionGuardConfig, logger pslog.Logger) *ConnectionGuard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 10 * time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	return &ConnectionGuard{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, svcfields.Connguard),
		now:    time.Now,
		events: make(map[string]*connectionEvent),
	}
}

// Enabled reports whether the guard enforces anything.
func (g *ConnectionGuard) Enabled() bool {
	return g != nil && g.cfg.Enabled && g.cfg.FailureThreshold > 0
}

// Admit reports whether a freshly accepted connection may proceed.
func (g *ConnectionGuard) Admit(conn net.Conn) bool {
	if !g.Enabled() || conn == nil {
		return true
	}
	remote := remoteAddress(conn)
	if g.IsBlocked(remote) {
		g.logger.Warn("keyedmutexd.connguard.rejected", svcfields.RemoteKey, remote, svcfields.ReasonKey, "blocked")
		return false
	}
	return true
}

// RecordViolation counts one protocol violation for remote and reports whether
// the remote is now blocked.
func (g *ConnectionGuard) RecordViolation(remote string, reason string) bool {
	if !g.Enabled() {
		return false
	}
	remote = normalizeRemoteAddr(remote)
	if remote == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.events[remote]
	if state == nil {
		state = &connectionEvent{}
		g.events[remote] = state
	}
	if !state.blockedUntil.IsZero() && state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("keyedmutexd.connguard.suspicious",
			svcfields.RemoteKey, remote,
			svcfields.ReasonKey, reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}

	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	state.failures = nil
	g.logger.Warn("keyedmutexd.connguard.blocked",
		svcfields.RemoteKey, remote,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration,
		svcfields.ReasonKey, reason)
	return true
}

// IsBlocked reports whether remote is currently blocked. Expired blocks are
// cleared.
func (g *ConnectionGuard) IsBlocked(remote string) bool {
	if !g.Enabled() {
		return false
	}
	remote = normalizeRemoteAddr(remote)
	if remote == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.events[remote]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Warn("keyedmutexd.connguard.disengaged", svcfields.RemoteKey, remote)
	if len(state.failures) == 0 {
		delete(g.events, remote)
	}
	return false
}

// normalizeRemoteAddr extracts the IP of an ip:port remote. Anything that is
// not an IP address yields "".
func normalizeRemoteAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host := raw
	if h, _, err := net.SplitHostPort(raw); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	return ip.String()
}

func remoteAddress(conn net.Conn) string {
	remote := conn.RemoteAddr()
	if remote == nil {
		return ""
	}
	return remote.String()
}

package keyedmutexd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"pkt.systems/keyedmutexd/internal/clock"
	"pkt.systems/keyedmutexd/internal/connguard"
	"pkt.systems/keyedmutexd/internal/engine"
	"pkt.systems/keyedmutexd/internal/loop"
	"pkt.systems/keyedmutexd/internal/netpoll"
	"pkt.systems/keyedmutexd/internal/sockwatch"
	"pkt.systems/keyedmutexd/internal/svcfields"
	"pkt.systems/pslog"
)

// ErrSocketExists is returned by Start when the UNIX socket path already
// exists and Force is not set.
var ErrSocketExists = errors.New("keyedmutexd: socket path exists")

// Server binds the listener and runs the lock loop.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	baseLog   pslog.Logger
	clock     clock.Clock
	engine    *engine.Engine
	guard     *connguard.ConnectionGuard
	telemetry *telemetry

	mu         sync.Mutex
	listener   net.Listener
	socketPath string
	started    bool
	shutdown   bool
	cancel     context.CancelFunc
	done       chan struct{}
	stopped    chan struct{}
	stopErr    error
	readyOnce  sync.Once
	readyCh    chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects the clock driving the idle wake.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for tracing.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer validates cfg and prepares the engine. Nothing is bound until
// Start.
// Example:
//
//	srv, err := keyedmutexd.NewServer(keyedmutexd.Config{Listen: "/tmp/keyedmutexd.sock", MaxConns: 64})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := svcfields.EnsureLogger(o.Logger)
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	tel, err := setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, svcfields.Telemetry))
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, svcfields.ServerLifecycle),
		baseLog:   logger,
		clock:     o.Clock,
		telemetry: tel,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		readyCh:   make(chan struct{}),
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if cfg.ConnguardEnabled && cfg.ListenProto == ProtoTCP {
		s.guard = connguard.NewConnectionGuard(connguard.ConnectionGuardConfig{
			Enabled:          true,
			FailureThreshold: cfg.ConnguardFailureThreshold,
			FailureWindow:    cfg.ConnguardFailureWindow,
			BlockDuration:    cfg.ConnguardBlockDuration,
		}, logger)
	}
	s.engine, err = engine.New(engine.Config{
		Capacity: cfg.MaxConns,
		Logger:   logger,
		OnClose:  s.onClose,
	})
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Server) onClose(remote string, reason engine.CloseReason) {
	if reason == engine.ReasonViolation && s.guard != nil {
		s.guard.RecordViolation(remote, string(reason))
	}
}

// Config returns the validated configuration.
func (s *Server) Config() Config { return s.cfg }

// Start binds the listener and serves until Shutdown. A failure to bind is
// returned without leaving a socket file behind.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("keyedmutexd: server already started")
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()
	defer close(s.done)
	defer cancel()

	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	var watcher *sockwatch.Watcher
	if s.socketPath != "" && s.cfg.WatchSocket {
		watcher, err = sockwatch.Start(s.socketPath, s.baseLog, nil)
		if err != nil {
			s.logger.Warn("socket watch unavailable", "path", s.socketPath, "error", err)
		}
	}

	var admit func(net.Conn) bool
	if s.guard != nil {
		admit = s.guard.Admit
	}
	poller, err := netpoll.New(netpoll.Config{
		Listener:     ln,
		Logger:       s.baseLog,
		WriteTimeout: s.cfg.WriteTimeout,
		Admit:        admit,
	})
	if err != nil {
		_ = ln.Close()
		return err
	}
	lp, err := loop.New(loop.Config{
		Engine:   s.engine,
		Poller:   poller,
		Clock:    s.clock,
		IdleWake: s.cfg.IdleWake,
		Logger:   s.baseLog,
	})
	if err != nil {
		_ = poller.Close()
		return err
	}

	s.logger.Info("listening",
		"network", ln.Addr().Network(),
		"address", ln.Addr().String(),
		"maxconn", s.cfg.MaxConns,
	)
	s.signalReady()
	runErr := lp.Run(ctx)

	if watcher != nil {
		_ = watcher.Close()
	}
	if err := poller.Close(); err != nil {
		s.logger.Warn("listener close failed", "error", err)
	}
	if runErr != nil {
		return fmt.Errorf("keyedmutexd: %w", runErr)
	}
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	network, address, err := s.cfg.ListenAddress()
	if err != nil {
		return nil, err
	}
	if network == ProtoUnix {
		if _, err := os.Lstat(address); err == nil {
			if !s.cfg.Force {
				return nil, fmt.Errorf("%w: %s (use --force to remove it)", ErrSocketExists, address)
			}
			if err := os.Remove(address); err != nil {
				return nil, fmt.Errorf("keyedmutexd: remove stale socket: %w", err)
			}
			s.logger.Info("removed stale socket", "path", address)
		}
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("keyedmutexd: listen (%s %s): %w", network, address, err)
	}
	if network == ProtoUnix {
		s.socketPath = address
	}
	return ln, nil
}

// Shutdown stops the loop, closes every connection and the listener, removes
// the socket file and flushes telemetry.
//
// Concurrent callers wait for the first one to finish and share its result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		select {
		case <-s.stopped:
			return s.stopErr
		case <-ctx.Done():
			return fmt.Errorf("keyedmutexd: shutdown: %w", ctx.Err())
		}
	}
	s.shutdown = true
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()

	s.stopErr = s.teardown(ctx, started, cancel)
	close(s.stopped)
	return s.stopErr
}

func (s *Server) teardown(ctx context.Context, started bool, cancel context.CancelFunc) error {
	if started {
		cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("keyedmutexd: shutdown: %w", ctx.Err())
		}
	}
	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("socket cleanup failed", "path", s.socketPath, "error", err)
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
	}
	s.logger.Info("stopped")
	return nil
}

// Close shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-s.done:
		return errors.New("keyedmutexd: server stopped before becoming ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// Stats is a point-in-time view of the lock table.
type Stats struct {
	Capacity    int
	Connections int
	Owners      int
	Waiters     int
	// Length is one past the highest slot in use.
	Length int
}

// Stats may be called from any goroutine.
func (s *Server) Stats() Stats {
	st := s.engine.Stats()
	return Stats{
		Capacity:    st.Capacity,
		Connections: st.Connections,
		Owners:      st.Owners,
		Waiters:     st.Waiters,
		Length:      st.Length,
	}
}

// StartServer starts a server in a background goroutine and waits until it is
// ready to accept connections. It returns the running server alongside a stop
// function that shuts it down.
// Example:
//
//	srv, stop, err := keyedmutexd.StartServer(ctx, keyedmutexd.Config{Listen: "4200"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if startErr := <-errCh; startErr != nil {
			return nil, nil, startErr
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}

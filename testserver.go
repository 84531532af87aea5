package keyedmutexd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/keyedmutexd/client"
	"pkt.systems/pslog"
)

// TestServer wraps a running Server with convenient handles for tests.
type TestServer struct {
	Server *Server
	Config Config
	// Client is connected on start unless WithoutTestClient is used.
	Client *client.Client

	stop  func(context.Context) error
	proxy *chaosProxy
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") || strings.Contains(msg, "during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewStructured(context.Background(), writer).LogLevel(level).With("app", "testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	if ts.Client != nil {
		_ = ts.Client.Close()
	}
	if ts.proxy != nil {
		_ = ts.proxy.Close()
		ts.proxy = nil
	}
	return ts.stop(ctx)
}

// Addr returns the address clients should dial. With chaos enabled this is
// the proxy, not the server.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil {
		return nil
	}
	if ts.proxy != nil {
		return ts.proxy.Addr()
	}
	if ts.Server != nil {
		return ts.Server.ListenerAddr()
	}
	return nil
}

// Dial opens a raw connection to Addr.
func (ts *TestServer) Dial() (net.Conn, error) {
	addr := ts.Addr()
	if addr == nil {
		return nil, errors.New("test server: no listener")
	}
	return net.DialTimeout(addr.Network(), addr.String(), 2*time.Second)
}

// NewClient returns a new client connected to the test server.
func (ts *TestServer) NewClient(ctx context.Context, opts ...client.Option) (*client.Client, error) {
	addr := ts.Addr()
	if addr == nil {
		return nil, errors.New("test server: no listener")
	}
	return client.Dial(ctx, addr.Network()+"://"+addr.String(), opts...)
}

type testServerOptions struct {
	cfg           Config
	mutators      []func(*Config)
	logger        pslog.Logger
	clientOpts    []client.Option
	disableClient bool
	startTimeout  time.Duration
	chaosConfig   *ChaosConfig
	testTB        testing.TB
	testLogLevel  pslog.Level
}

// TestServerOption customises NewTestServer/StartTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfig provides an explicit Config to use. Missing fields will be
// defaulted during validation.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc applies a mutation to the server configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestMaxConns sets the slot count.
func WithTestMaxConns(n int) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.MaxConns = n
	})
}

// WithTestUnixSocket configures the server to listen on the provided unix socket path.
func WithTestUnixSocket(path string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.ListenProto = ProtoUnix
		cfg.Listen = path
	})
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes server logs to the provided testing logger at the supplied level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// WithTestClientOptions appends client options used when auto-constructing the helper client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithoutTestClient disables automatic client creation.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) {
		o.disableClient = true
	}
}

// WithTestStartTimeout overrides the wait timeout when starting the server.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// WithTestChaos puts an in-process proxy in front of the listener that
// re-chunks, delays and cuts connections. Passing nil disables it.
func WithTestChaos(cfg *ChaosConfig) TestServerOption {
	return func(o *testServerOptions) {
		if cfg != nil {
			copyCfg := *cfg
			o.chaosConfig = &copyCfg
		} else {
			o.chaosConfig = nil
		}
	}
}

// NewTestServer starts a server on 127.0.0.1:0 unless configured otherwise.
// Call Stop to clean up resources.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		cfg:          Config{ListenProto: ProtoTCP, Listen: "127.0.0.1:0"},
		startTimeout: 5 * time.Second,
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := options.cfg
	for _, mut := range options.mutators {
		mut(&cfg)
	}

	logger := options.logger
	if logger == nil {
		if options.testTB != nil {
			logger = NewTestingLogger(options.testTB, options.testLogLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}

	if ctx == nil {
		ctx = context.Background()
	}
	startCtx := ctx
	if options.startTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, options.startTimeout)
		defer cancel()
	}
	srv, err := NewServer(cfg, WithLogger(logger))
	if err != nil {
		return nil, err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	if err := srv.WaitUntilReady(startCtx); err != nil {
		_ = srv.Close()
		if startErr := <-errCh; startErr != nil {
			return nil, startErr
		}
		return nil, fmt.Errorf("test server start: %w", err)
	}
	var stopOnce sync.Once
	var stopErr error
	stop := func(stopCtx context.Context) error {
		stopOnce.Do(func() {
			if stopErr = srv.Shutdown(stopCtx); stopErr == nil {
				stopErr = <-errCh
			}
		})
		return stopErr
	}

	ts := &TestServer{Server: srv, Config: srv.Config(), stop: stop}
	if options.chaosConfig != nil {
		proxy, err := newChaosProxy(srv.ListenerAddr(), options.chaosConfig)
		if err != nil {
			_ = stop(context.Background())
			return nil, err
		}
		ts.proxy = proxy
	}
	if !options.disableClient {
		cli, err := ts.NewClient(ctx, options.clientOpts...)
		if err != nil {
			_ = ts.Stop(context.Background())
			return nil, err
		}
		ts.Client = cli
	}
	return ts, nil
}

// StartTestServer is a convenience wrapper that fails the test on error and registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

// ChaosConfig describes network perturbations applied by the chaos proxy.
type ChaosConfig struct {
	// Seed controls the pseudo-random source. When zero, time.Now is used.
	Seed int64

	// MinDelay and MaxDelay bound per-chunk latency. When both zero no delay is added.
	MinDelay time.Duration
	MaxDelay time.Duration

	// ChunkSize caps how many bytes are forwarded per write. Defaults to 32k
	// if <=0; 1 delivers every byte in its own segment.
	ChunkSize int

	// DisconnectAfter closes both sides of a proxied connection after the
	// specified duration (0 disables).
	DisconnectAfter time.Duration

	// MaxDisconnects limits how many connections DisconnectAfter applies to (0 = unlimited).
	MaxDisconnects int
}

type chaosRuntimeConfig struct {
	minDelay        time.Duration
	maxDelay        time.Duration
	chunkSize       int
	disconnectAfter time.Duration
	maxDisconnects  int
	seed            int64
}

func (c *ChaosConfig) normalize() chaosRuntimeConfig {
	cfg := chaosRuntimeConfig{
		minDelay:        c.MinDelay,
		maxDelay:        c.MaxDelay,
		chunkSize:       c.ChunkSize,
		disconnectAfter: c.DisconnectAfter,
		maxDisconnects:  c.MaxDisconnects,
		seed:            c.Seed,
	}
	if cfg.chunkSize <= 0 {
		cfg.chunkSize = 32 << 10
	}
	if cfg.minDelay < 0 {
		cfg.minDelay = 0
	}
	if cfg.maxDelay < cfg.minDelay {
		cfg.maxDelay = cfg.minDelay
	}
	if cfg.maxDisconnects < 0 {
		cfg.maxDisconnects = 0
	}
	if cfg.seed == 0 {
		cfg.seed = time.Now().UnixNano()
	}
	return cfg
}

type chaosProxy struct {
	listener net.Listener
	remote   net.Addr
	cfg      chaosRuntimeConfig

	mu          sync.Mutex
	disconnects int
	conns       map[net.Conn]struct{}
	closeOnce   sync.Once
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

func newChaosProxy(remote net.Addr, config *ChaosConfig) (*chaosProxy, error) {
	if remote == nil {
		return nil, errors.New("chaos proxy: missing remote address")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	cp := &chaosProxy{
		listener: ln,
		remote:   remote,
		cfg:      config.normalize(),
		conns:    make(map[net.Conn]struct{}),
		stopCh:   make(chan struct{}),
	}
	cp.wg.Add(1)
	go cp.acceptLoop()
	return cp, nil
}

func (cp *chaosProxy) Addr() net.Addr {
	return cp.listener.Addr()
}

func (cp *chaosProxy) Close() error {
	var err error
	cp.closeOnce.Do(func() {
		close(cp.stopCh)
		err = cp.listener.Close()
		cp.mu.Lock()
		for c := range cp.conns {
			_ = c.Close()
		}
		cp.mu.Unlock()
	})
	cp.wg.Wait()
	return err
}

func (cp *chaosProxy) shouldDisconnect() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.cfg.disconnectAfter <= 0 {
		return false
	}
	if cp.cfg.maxDisconnects > 0 && cp.disconnects >= cp.cfg.maxDisconnects {
		return false
	}
	cp.disconnects++
	return true
}

func (cp *chaosProxy) track(c net.Conn) bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	select {
	case <-cp.stopCh:
		return false
	default:
	}
	cp.conns[c] = struct{}{}
	return true
}

func (cp *chaosProxy) untrack(c net.Conn) {
	cp.mu.Lock()
	delete(cp.conns, c)
	cp.mu.Unlock()
	_ = c.Close()
}

func (cp *chaosProxy) acceptLoop() {
	defer cp.wg.Done()
	for {
		conn, err := cp.listener.Accept()
		if err != nil {
			select {
			case <-cp.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		cp.wg.Add(1)
		go func(c net.Conn) {
			defer cp.wg.Done()
			cp.handleConnection(c)
		}(conn)
	}
}

func (cp *chaosProxy) handleConnection(downstream net.Conn) {
	if !cp.track(downstream) {
		_ = downstream.Close()
		return
	}
	defer cp.untrack(downstream)
	upstream, err := net.DialTimeout(cp.remote.Network(), cp.remote.String(), time.Second)
	if err != nil {
		return
	}
	if !cp.track(upstream) {
		_ = upstream.Close()
		return
	}
	defer cp.untrack(upstream)

	rng := rand.New(rand.NewSource(cp.cfg.seed ^ time.Now().UnixNano()))
	var disconnectCh <-chan time.Time
	if cp.shouldDisconnect() {
		timer := time.NewTimer(cp.cfg.disconnectAfter)
		defer timer.Stop()
		disconnectCh = timer.C
	}

	errCh := make(chan error, 2)
	var rngMu sync.Mutex
	delay := func() time.Duration {
		if cp.cfg.maxDelay <= 0 {
			return 0
		}
		rngMu.Lock()
		defer rngMu.Unlock()
		d := cp.cfg.minDelay
		if span := cp.cfg.maxDelay - cp.cfg.minDelay; span > 0 {
			d += time.Duration(rng.Int63n(int64(span) + 1))
		}
		return d
	}
	go cp.pipe(errCh, upstream, downstream, delay)
	go cp.pipe(errCh, downstream, upstream, delay)

	pending := 2
	select {
	case <-cp.stopCh:
	case <-disconnectCh:
	case <-errCh:
		pending--
	}
	_ = downstream.Close()
	_ = upstream.Close()
	for ; pending > 0; pending-- {
		<-errCh
	}
}

func (cp *chaosProxy) pipe(errCh chan<- error, dst, src net.Conn, delay func() time.Duration) {
	buf := make([]byte, cp.cfg.chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if d := delay(); d > 0 {
				time.Sleep(d)
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				errCh <- werr
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			errCh <- err
			return
		}
	}
}

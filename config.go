package keyedmutexd

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultListen is the UNIX socket path the server binds to.
	DefaultListen = "/tmp/keyedmutexd.sock"
	// DefaultMaxConns bounds concurrently attached connections.
	DefaultMaxConns = 32
	// DefaultIdleWake is how long the loop may sleep before logging a heartbeat.
	DefaultIdleWake = 60 * time.Second
	// DefaultWriteTimeout bounds a single marker write to a client.
	DefaultWriteTimeout = time.Second
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultConnguardFailureThreshold is the violation count that blocks a
	// TCP remote once the guard is enabled.
	DefaultConnguardFailureThreshold = 5
	// DefaultConnguardFailureWindow is the period violations are counted in.
	DefaultConnguardFailureWindow = 30 * time.Second
	// DefaultConnguardBlockDuration is how long a blocked remote is refused.
	DefaultConnguardBlockDuration = 5 * time.Minute
	// DefaultConfigFileName is the config file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Listen protocols.
const (
	ProtoUnix = "unix"
	ProtoTCP  = "tcp"
)

// Config captures the tunables for a keyedmutexd server.
type Config struct {
	// Listen is a filesystem path (UNIX socket) or a TCP port number. A bare
	// port listens on all interfaces; host:port is accepted when ListenProto
	// is tcp.
	Listen string
	// ListenProto is unix or tcp. Empty derives it from Listen.
	ListenProto string
	// Force removes a pre-existing file at a UNIX socket path before binding.
	Force bool
	// MaxConns is the fixed number of connection slots.
	MaxConns int
	// IdleWake bounds how long the loop waits before logging a heartbeat.
	IdleWake time.Duration
	// WriteTimeout bounds each write of a protocol marker.
	WriteTimeout time.Duration
	// WatchSocket warns when the socket path is removed or replaced while
	// serving. Ignored for TCP.
	WatchSocket bool

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https://
	// or bare host[:port] for insecure gRPC).
	OTLPEndpoint string

	// Connection guard (TCP only).
	ConnguardEnabled          bool
	ConnguardFailureThreshold int
	ConnguardFailureWindow    time.Duration
	ConnguardBlockDuration    time.Duration
}

// Validate applies defaults and rejects unusable settings.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = deriveListenProto(c.Listen)
	}
	switch c.ListenProto {
	case ProtoUnix:
	case ProtoTCP:
		if _, err := c.tcpAddress(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("config: listen proto must be %q or %q", ProtoUnix, ProtoTCP)
	}
	if c.MaxConns == 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("config: maxconn must be a positive integer")
	}
	if c.IdleWake <= 0 {
		c.IdleWake = DefaultIdleWake
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	c.MetricsListen = strings.TrimSpace(c.MetricsListen)
	c.PprofListen = strings.TrimSpace(c.PprofListen)
	if c.EnableProfilingMetrics && c.MetricsListen == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ConnguardFailureThreshold == 0 {
		c.ConnguardFailureThreshold = DefaultConnguardFailureThreshold
	}
	if c.ConnguardFailureThreshold < 0 {
		return fmt.Errorf("config: connguard failure threshold must be >= 0")
	}
	if c.ConnguardFailureWindow <= 0 {
		c.ConnguardFailureWindow = DefaultConnguardFailureWindow
	}
	if c.ConnguardBlockDuration <= 0 {
		c.ConnguardBlockDuration = DefaultConnguardBlockDuration
	}
	return nil
}

// ListenAddress returns the network and address to pass to net.Listen. It
// assumes Validate has run.
func (c Config) ListenAddress() (network, address string, err error) {
	if c.ListenProto == ProtoTCP {
		addr, err := c.tcpAddress()
		return ProtoTCP, addr, err
	}
	return ProtoUnix, c.Listen, nil
}

func (c Config) tcpAddress() (string, error) {
	if isPortNumber(c.Listen) {
		return net.JoinHostPort("", c.Listen), nil
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return "", fmt.Errorf("config: tcp listen %q: %w", c.Listen, err)
	}
	return c.Listen, nil
}

// deriveListenProto treats a bare port number as TCP and anything else as a
// socket path.
func deriveListenProto(listen string) string {
	if isPortNumber(listen) {
		return ProtoTCP
	}
	return ProtoUnix
}

func isPortNumber(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseUint(s, 10, 16)
	return err == nil
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.keyedmutexd), overridable with KEYEDMUTEXD_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("KEYEDMUTEXD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".keyedmutexd"), nil
}

// DefaultConfigPath returns the config file loaded when --config is not set.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}

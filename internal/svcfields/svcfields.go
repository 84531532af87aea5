// Package svcfields holds the structured-logging field names and subsystem
// tags shared by keyedmutexd components.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// Field names used on connection lifecycle lines.
const (
	ConnKey   = "conn"
	SlotKey   = "slot"
	KeyKey    = "key"
	RemoteKey = "remote"
	ReasonKey = "reason"
)

// Subsystem tags.
const (
	ServerLifecycle = "server.lifecycle"
	ServerListener  = "server.listener"
	EngineConn      = "engine.conn"
	Loop            = "loop"
	Netpoll         = "netpoll"
	Connguard       = "control.connguard"
	Sockwatch       = "control.sockwatch"
	Telemetry       = "telemetry"
)

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// EnsureLogger returns l when non-nil, otherwise a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}

package pool

import (
	"time"

	"go.uber.org/zap"
)

// SupportedProtocolVersions is the handshake fallback list, oldest-compatible first.
var SupportedProtocolVersions = []string{"2024-11-05", "2025-03-26", "2025-06-18"}

type Option func(p *Pool)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(p *Pool) {
		p.log = l
	}
}

// WithMaxSlots caps the number of live processes. Zero keeps the runtime default.
func WithMaxSlots(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxSlots = n
		}
	}
}

// WithMinSlots sets how many processes are spawned eagerly by Start.
func WithMinSlots(n int) Option {
	return func(p *Pool) {
		if n >= 0 {
			p.minSlots = n
		}
	}
}

func WithAcquireTimeout(d time.Duration) Option {
	return func(p *Pool) {
		p.acquireTimeout = d
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(p *Pool) {
		p.requestTimeout = d
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(p *Pool) {
		p.handshakeTimeout = d
	}
}

// WithProtocolVersion pins the handshake to a single protocol version instead of walking the fallback list.
func WithProtocolVersion(v string) Option {
	return func(p *Pool) {
		p.pinnedVersion = v
	}
}

// WithRestart controls whether a process that dies after a successful handshake is replaced, and how long to wait first.
func WithRestart(enabled bool, delay time.Duration) Option {
	return func(p *Pool) {
		p.restart = enabled
		p.restartDelay = delay
	}
}

// WithShutdownGrace is how long Shutdown waits after SIGTERM before killing a process.
func WithShutdownGrace(d time.Duration) Option {
	return func(p *Pool) {
		p.shutdownGrace = d
	}
}

func WithClientInfo(name, version string) Option {
	return func(p *Pool) {
		p.clientInfo.Name = name
		p.clientInfo.Version = version
	}
}

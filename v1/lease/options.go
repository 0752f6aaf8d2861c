package lease

import (
	"log/slog"
	"time"

	"github.com/votem/semaphore-service/v1/watchbus"
)

// defaultMaxRetries bounds the compare-and-swap loop of a single operation.
const defaultMaxRetries = 16

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithDefaultTimeout sets the lease length used when a caller passes a
// non-positive timeout. Non-positive values keep DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTimeout = d
		}
	}
}

// WithMaxTimeout clamps requested lease lengths to d. Zero means unlimited.
func WithMaxTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.maxTimeout = d
		}
	}
}

// WithMaxRetries bounds how many compare-and-swap races a single call may lose
// before giving up with ErrContention.
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRetries = n
		}
	}
}

// WithBus publishes lease events on bus.
func WithBus(bus watchbus.WatchBus) Option {
	return func(m *Manager) {
		m.events.bus = bus
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
			m.events.logger = l
		}
	}
}

// WithTracing enables OpenTelemetry spans for manager operations.
func WithTracing() Option {
	return func(m *Manager) {
		m.traceEnabled = true
	}
}

package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	semerrors "github.com/votem/semaphore-service/v1/errors"
	"github.com/votem/semaphore-service/v1/metrics"
)

const tracerName = "github.com/votem/semaphore-service/v1/lease"

// Manager implements acquire and release on top of a Store.
type Manager struct {
	store          Store
	clock          Clock
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	maxRetries     int
	events         publisher
	logger         *slog.Logger
	traceEnabled   bool
}

// NewManager returns a Manager that owns store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		clock:          RealClock{},
		defaultTimeout: DefaultTimeout,
		maxRetries:     defaultMaxRetries,
		logger:         slog.Default(),
	}
	m.events.logger = m.logger
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() Store {
	return m.store
}

// DefaultTimeout returns the lease length applied to non-positive timeouts.
func (m *Manager) DefaultTimeout() time.Duration {
	return m.defaultTimeout
}

func (m *Manager) normalize(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	if m.maxTimeout > 0 && timeout > m.maxTimeout {
		timeout = m.maxTimeout
	}
	return timeout
}

func (m *Manager) startSpan(ctx context.Context, name, key string) (context.Context, trace.Span) {
	if !m.traceEnabled {
		return ctx, nil
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	span.SetAttributes(attribute.String("semaphore.key", key))
	return ctx, span
}

func endSpan(span trace.Span, res Result, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("semaphore.result", res.String()))
	}
	span.End()
}

func resultLabel(res Result, err error) string {
	if err != nil {
		return "ERROR"
	}
	return res.String()
}

// Acquire tries to take key for timeout. A non-positive timeout means the
// manager default. The returned Lease is only meaningful when the result is
// Granted.
//
// A key is acquirable when it has no entry or its entry expired strictly
// before now. The decision and the write are joined by compare-and-swap; on a
// lost race the current entry is read again, so a loser that finds the
// winner's lease still valid is Denied.
func (m *Manager) Acquire(ctx context.Context, key string, timeout time.Duration) (res Result, granted Lease, err error) {
	if key == "" {
		return 0, Lease{}, semerrors.ErrInvalidKey
	}
	ctx, span := m.startSpan(ctx, "Lease.Acquire", key)
	start := time.Now()
	defer func() {
		metrics.OperationLatency.WithLabelValues("acquire").Observe(time.Since(start).Seconds())
		metrics.AcquireCounter.WithLabelValues(resultLabel(res, err)).Inc()
		endSpan(span, res, err)
	}()

	timeout = m.normalize(timeout)
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		cur, ok, err := m.store.Get(ctx, key)
		if err != nil {
			m.logger.Error("semaphore: read lease failed", "key", key, "error", err)
			return 0, Lease{}, err
		}
		now := m.clock.Now()
		if ok && cur.Held(now) {
			m.logger.Debug("semaphore: not available", "key", key, "expires_at", cur.ExpiresAt)
			return Denied, Lease{}, nil
		}
		var expected *Lease
		if ok {
			expected = &cur
		}
		next := Lease{Key: key, ExpiresAt: expiryAfter(now, timeout)}
		swapped, err := m.store.CompareAndSwap(ctx, key, expected, next)
		if err != nil {
			m.logger.Error("semaphore: store lease failed", "key", key, "error", err)
			return 0, Lease{}, err
		}
		if swapped {
			m.logger.Debug("semaphore: acquired", "key", key, "expires_at", next.ExpiresAt)
			m.events.publish(ctx, newEvent(EventGranted, next, now))
			return Granted, next, nil
		}
		metrics.CASRetryCounter.Inc()
	}
	err = fmt.Errorf("%w: acquire %q after %d attempts", semerrors.ErrContention, key, m.maxRetries)
	m.logger.Error("semaphore: acquire gave up", "key", key, "error", err)
	return 0, Lease{}, err
}

// Release removes the entry for key if one is stored, whether or not it has
// already expired. Any caller may release any key.
func (m *Manager) Release(ctx context.Context, key string) (res Result, err error) {
	if key == "" {
		return 0, semerrors.ErrInvalidKey
	}
	ctx, span := m.startSpan(ctx, "Lease.Release", key)
	start := time.Now()
	defer func() {
		metrics.OperationLatency.WithLabelValues("release").Observe(time.Since(start).Seconds())
		metrics.ReleaseCounter.WithLabelValues(resultLabel(res, err)).Inc()
		endSpan(span, res, err)
	}()

	for attempt := 0; attempt < m.maxRetries; attempt++ {
		cur, ok, err := m.store.Get(ctx, key)
		if err != nil {
			m.logger.Error("semaphore: read lease failed", "key", key, "error", err)
			return 0, err
		}
		if !ok {
			m.logger.Debug("semaphore: nothing to release", "key", key)
			return NotHeld, nil
		}
		removed, err := m.store.Remove(ctx, key, cur)
		if err != nil {
			m.logger.Error("semaphore: remove lease failed", "key", key, "error", err)
			return 0, err
		}
		if removed {
			m.logger.Debug("semaphore: released", "key", key)
			m.events.publish(ctx, newEvent(EventReleased, cur, m.clock.Now()))
			return Released, nil
		}
		metrics.CASRetryCounter.Inc()
	}
	err = fmt.Errorf("%w: release %q after %d attempts", semerrors.ErrContention, key, m.maxRetries)
	m.logger.Error("semaphore: release gave up", "key", key, "error", err)
	return 0, err
}

// Inspect returns the stored entry for key without changing it. Use
// Lease.Held with the manager's clock to tell whether it is still honoured.
func (m *Manager) Inspect(ctx context.Context, key string) (Lease, bool, error) {
	if key == "" {
		return Lease{}, false, semerrors.ErrInvalidKey
	}
	return m.store.Get(ctx, key)
}

// Now returns the manager's notion of the current time.
func (m *Manager) Now() time.Time {
	return m.clock.Now()
}

// Close closes the store.
func (m *Manager) Close() error {
	return m.store.Close()
}

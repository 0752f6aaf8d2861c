package lease

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/atomic"

	"github.com/votem/semaphore-service/v1/metrics"
	"github.com/votem/semaphore-service/v1/watchbus"
)

// DefaultSweepInterval is the default period between sweeps.
const DefaultSweepInterval = time.Minute

// Sweeper periodically removes entries that expired more than a grace period
// ago. It only bounds memory; correctness never depends on it, because an
// expired entry is reclaimable by the next acquire anyway.
type Sweeper struct {
	store    Store
	clock    Clock
	interval time.Duration
	grace    time.Duration
	events   publisher
	logger   *slog.Logger

	lastRun atomic.Time
	purged  atomic.Uint64
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets the period between sweeps.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSweepGrace keeps expired entries for d past their expiry.
func WithSweepGrace(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d >= 0 {
			s.grace = d
		}
	}
}

// WithSweepClock replaces the wall clock.
func WithSweepClock(c Clock) SweeperOption {
	return func(s *Sweeper) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithSweepBus publishes a purged event for every removed entry.
func WithSweepBus(bus watchbus.WatchBus) SweeperOption {
	return func(s *Sweeper) {
		s.events.bus = bus
	}
}

// WithSweepLogger sets the logger.
func WithSweepLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
			s.events.logger = l
		}
	}
}

// NewSweeper returns a Sweeper over store.
func NewSweeper(store Store, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    store,
		clock:    RealClock{},
		interval: DefaultSweepInterval,
		logger:   slog.Default(),
	}
	s.events.logger = s.logger
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("semaphore: sweep failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep performs one pass and returns how many entries it removed. Removal is
// conditional on the entry still being the one observed, so a key re-acquired
// during the pass is left alone.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	var expired []Lease
	seen := 0
	err := s.store.Range(ctx, func(l Lease) bool {
		seen++
		if now.After(l.ExpiresAt.Add(s.grace)) {
			expired = append(expired, l)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, l := range expired {
		ok, err := s.store.Remove(ctx, l.Key, l)
		if err != nil {
			return removed, err
		}
		if !ok {
			continue
		}
		removed++
		s.events.publish(ctx, newEvent(EventPurged, l, now))
	}
	metrics.StoredLeasesGauge.Set(float64(seen - removed))
	metrics.SweepPurgedCounter.Add(float64(removed))
	s.purged.Add(uint64(removed))
	s.lastRun.Store(now)
	if removed > 0 {
		s.logger.Debug("semaphore: swept expired leases", "removed", removed, "seen", seen)
	}
	return removed, nil
}

// Stats reports sweeper activity.
type Stats struct {
	LastRun time.Time
	Purged  uint64
}

// Stats returns the time of the last completed sweep and the total purged.
func (s *Sweeper) Stats() Stats {
	return Stats{LastRun: s.lastRun.Load(), Purged: s.purged.Load()}
}

package lease

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	semerrors "github.com/votem/semaphore-service/v1/errors"
)

// defaultShards is the number of independently locked partitions of an
// InMemoryStore. Must be a power of two.
const defaultShards = 32

type shard struct {
	mu     sync.Mutex
	leases map[string]Lease
}

// InMemoryStore is a Store kept in process memory. Keys are spread over
// independently locked shards so operations on different keys rarely contend.
type InMemoryStore struct {
	shards []*shard
	mask   uint64
	closed atomic.Bool
}

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithShards sets the number of shards. n is rounded up to a power of two;
// values below one fall back to a single shard.
func WithShards(n int) InMemoryOption {
	return func(s *InMemoryStore) {
		size := 1
		for size < n {
			size <<= 1
		}
		s.shards = make([]*shard, size)
	}
}

// NewInMemoryStore returns an empty InMemoryStore.
func NewInMemoryStore(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{shards: make([]*shard, defaultShards)}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i] = &shard{leases: make(map[string]Lease)}
	}
	s.mask = uint64(len(s.shards) - 1)
	return s
}

func (s *InMemoryStore) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)&s.mask]
}

func (s *InMemoryStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return semerrors.ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, key string) (Lease, bool, error) {
	if err := s.check(ctx); err != nil {
		return Lease{}, false, err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	l, ok := sh.leases[key]
	sh.mu.Unlock()
	return l, ok, nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *InMemoryStore) CompareAndSwap(ctx context.Context, key string, expected *Lease, next Lease) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.leases[key]
	switch {
	case expected == nil && ok:
		return false, nil
	case expected != nil && (!ok || !cur.Equal(*expected)):
		return false, nil
	}
	next.Key = key
	sh.leases[key] = next
	return true, nil
}

// Remove implements Store.Remove.
func (s *InMemoryStore) Remove(ctx context.Context, key string, expected Lease) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.leases[key]
	if !ok || !cur.Equal(expected) {
		return false, nil
	}
	delete(sh.leases, key)
	return true, nil
}

// Range implements Store.Range. Each shard is copied under its own lock and
// fn runs without any lock held.
func (s *InMemoryStore) Range(ctx context.Context, fn func(Lease) bool) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	var batch []Lease
	for _, sh := range s.shards {
		batch = batch[:0]
		sh.mu.Lock()
		for _, l := range sh.leases {
			batch = append(batch, l)
		}
		sh.mu.Unlock()
		for _, l := range batch {
			if !fn(l) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// Len implements Store.Len.
func (s *InMemoryStore) Len(ctx context.Context) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.leases)
		sh.mu.Unlock()
	}
	return n, nil
}

// Close drops all entries. Further calls return ErrClosed.
func (s *InMemoryStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.leases = make(map[string]Lease)
		sh.mu.Unlock()
	}
	return nil
}

package lease

import "context"

// Store holds lease records keyed by semaphore key. Implementations must make
// CompareAndSwap and Remove atomic with respect to each other for the same key.
//
// Manager is the only writer; every mutation goes through the two conditional
// primitives below so a caller never acts on a stale snapshot.
type Store interface {
	// Get returns the stored lease for key. The boolean reports presence.
	Get(ctx context.Context, key string) (Lease, bool, error)
	// CompareAndSwap stores next for key only if the current entry equals
	// expected. A nil expected means the key must be absent.
	CompareAndSwap(ctx context.Context, key string, expected *Lease, next Lease) (bool, error)
	// Remove deletes key only if the current entry equals expected.
	Remove(ctx context.Context, key string, expected Lease) (bool, error)
	// Range calls fn for a snapshot of stored entries until fn returns false.
	// Entries may change while ranging; callers must use the conditional
	// primitives to act on what they see.
	Range(ctx context.Context, fn func(Lease) bool) error
	// Len returns the number of physically stored entries.
	Len(ctx context.Context) (int, error)
	// Close releases resources held by the store.
	Close() error
}

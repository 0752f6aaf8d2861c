package errors

import "errors"

var (
	// ErrStoreUnavailable wraps failures talking to a lease store backend.
	ErrStoreUnavailable = errors.New("semaphore: store unavailable")
	// ErrCorruptLease is returned when a stored lease cannot be decoded.
	ErrCorruptLease = errors.New("semaphore: corrupt lease record")
	// ErrContention is returned when an operation keeps losing compare-and-swap
	// races without ever observing a stable entry.
	ErrContention = errors.New("semaphore: too much contention")
	// ErrInvalidKey is returned for an empty semaphore key.
	ErrInvalidKey = errors.New("semaphore: key must not be empty")
	// ErrExpiryOutOfRange is returned by a store asked to persist an expiry it
	// cannot represent.
	ErrExpiryOutOfRange = errors.New("semaphore: lease expiry out of range")
	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("semaphore: store closed")
	// ErrUnexpectedResponse is returned by the client for a status code the
	// server should never send for the request made.
	ErrUnexpectedResponse = errors.New("semaphore: unexpected response")
)

// Package lease implements the semaphore protocol: a caller acquires a key for
// a bounded time, and the key becomes free again either when it is released or
// when its lease expires.
//
// All state lives in a Store. Manager builds acquire and release on top of the
// store's compare-and-swap primitive, so two concurrent acquirers of a free key
// can never both be granted. Expiry is lazy: an expired entry stays in the
// store until the next acquire reclaims it, a release removes it, or a Sweeper
// purges it.
package lease

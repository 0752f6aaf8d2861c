package lease

import (
	"math"
	"time"
)

// DefaultTimeout is applied when a caller does not supply a positive timeout.
const DefaultTimeout = 300 * time.Second

// MaxExpiry is the latest expiry a lease can carry: the end of the unix
// nanosecond range stores encode expiries in.
var MaxExpiry = time.Unix(0, math.MaxInt64).UTC()

var minExpiry = time.Unix(0, math.MinInt64).UTC()

// expiryAfter returns now+d capped at MaxExpiry.
func expiryAfter(now time.Time, d time.Duration) time.Time {
	exp := now.Add(d)
	if exp.After(MaxExpiry) {
		return MaxExpiry
	}
	return exp
}

// Lease is a time-bounded grant of a key.
type Lease struct {
	Key       string
	ExpiresAt time.Time
}

// Held reports whether the lease is still honoured at now. A lease is only
// abandoned once now is strictly after ExpiresAt.
func (l Lease) Held(now time.Time) bool {
	return !now.After(l.ExpiresAt)
}

// Equal reports whether l and o describe the same stored record.
func (l Lease) Equal(o Lease) bool {
	return l.Key == o.Key && l.ExpiresAt.Equal(o.ExpiresAt)
}

// Result is the outcome of an Acquire or Release call.
type Result int

const (
	// Granted means the caller now holds the key.
	Granted Result = iota + 1
	// Denied means another caller holds an unexpired lease on the key.
	Denied
	// Released means an entry for the key was removed.
	Released
	// NotHeld means there was no entry to remove.
	NotHeld
)

func (r Result) String() string {
	switch r {
	case Granted:
		return "GRANTED"
	case Denied:
		return "DENIED"
	case Released:
		return "RELEASED"
	case NotHeld:
		return "NOT_HELD"
	default:
		return "UNKNOWN"
	}
}

package lease

import (
	"testing"
	"time"
)

func TestLeaseHeldBoundary(t *testing.T) {
	exp := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)
	l := Lease{Key: "job1", ExpiresAt: exp}
	if !l.Held(exp.Add(-time.Second)) {
		t.Fatal("expected held before expiry")
	}
	if !l.Held(exp) {
		t.Fatal("expected held exactly at expiry")
	}
	if l.Held(exp.Add(time.Nanosecond)) {
		t.Fatal("expected abandoned after expiry")
	}
}

func TestLeaseEqualIgnoresLocation(t *testing.T) {
	exp := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)
	a := Lease{Key: "k", ExpiresAt: exp}
	b := Lease{Key: "k", ExpiresAt: exp.In(time.FixedZone("x", 3600))}
	if !a.Equal(b) {
		t.Fatal("expected equal instants to compare equal")
	}
	if a.Equal(Lease{Key: "other", ExpiresAt: exp}) {
		t.Fatal("expected different keys to differ")
	}
}

func TestResultString(t *testing.T) {
	cases := map[Result]string{
		Granted:    "GRANTED",
		Denied:     "DENIED",
		Released:   "RELEASED",
		NotHeld:    "NOT_HELD",
		Result(0):  "UNKNOWN",
		Result(42): "UNKNOWN",
	}
	for r, want := range cases {
		if got := r.String(); got != want {
			t.Fatalf("Result(%d).String() = %q, want %q", int(r), got, want)
		}
	}
}

func TestManualClockAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)
	if got := c.Advance(5 * time.Second); !got.Equal(start.Add(5 * time.Second)) {
		t.Fatalf("unexpected time %v", got)
	}
	c.Advance(-time.Hour)
	if !c.Now().Equal(start.Add(5 * time.Second)) {
		t.Fatal("negative advance moved the clock")
	}
}

package lease

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/votem/semaphore-service/v1/watchbus"
)

// EventType names a lease lifecycle transition.
type EventType string

const (
	EventGranted  EventType = "granted"
	EventReleased EventType = "released"
	EventPurged   EventType = "purged"
)

// Event is the payload published on a watch bus for every lease transition.
type Event struct {
	ID        string     `json:"id"`
	Type      EventType  `json:"type"`
	Key       string     `json:"key"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	At        time.Time  `json:"at"`
}

func newEvent(typ EventType, l Lease, at time.Time) Event {
	ev := Event{ID: uuid.NewString(), Type: typ, Key: l.Key, At: at}
	if typ == EventGranted {
		exp := l.ExpiresAt
		ev.ExpiresAt = &exp
	}
	return ev
}

// publisher pushes events to an optional bus. Failures are logged and never
// surface to the caller of the operation that produced the event.
type publisher struct {
	bus    watchbus.WatchBus
	logger *slog.Logger
}

func (p publisher) publish(ctx context.Context, ev Event) {
	if p.bus == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("semaphore: encode event failed", "key", ev.Key, "type", ev.Type, "error", err)
		return
	}
	if err := p.bus.Publish(context.WithoutCancel(ctx), ev.Key, data); err != nil {
		p.logger.Warn("semaphore: publish event failed", "key", ev.Key, "type", ev.Type, "error", err)
	}
}

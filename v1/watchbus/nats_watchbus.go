package watchbus

import (
	"context"
	"encoding/base64"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// DefaultNATSSubjectPrefix is the subject root for lease events.
const DefaultNATSSubjectPrefix = "semaphore.events"

type natsWatcher struct {
	mu     sync.Mutex
	closed bool
	ch     chan []byte
	sub    *nats.Subscription
}

func (w *natsWatcher) deliver(data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- data:
	default:
	}
}

func (w *natsWatcher) close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()
	return w.sub.Unsubscribe()
}

// NATSWatchBus implements WatchBus on NATS core subjects. Keys are base64url
// encoded into a single subject token so dots and wildcards in a key cannot
// change routing.
type NATSWatchBus struct {
	conn   *nats.Conn
	prefix string

	mu       sync.Mutex
	watchers map[chan []byte]*natsWatcher
}

// NewNATSWatchBus returns a NATSWatchBus using the provided connection. An
// empty prefix selects DefaultNATSSubjectPrefix.
func NewNATSWatchBus(conn *nats.Conn, prefix string) *NATSWatchBus {
	if prefix == "" {
		prefix = DefaultNATSSubjectPrefix
	}
	return &NATSWatchBus{
		conn:     conn,
		prefix:   prefix,
		watchers: make(map[chan []byte]*natsWatcher),
	}
}

func (b *NATSWatchBus) subject(key string) string {
	if key == AllKeys {
		return b.prefix + ".>"
	}
	return b.prefix + "." + base64.RawURLEncoding.EncodeToString([]byte(key))
}

// Publish implements WatchBus.Publish.
func (b *NATSWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return b.conn.Publish(b.subject(key), data)
}

// Watch implements WatchBus.Watch. The subscription is flushed to the server
// before returning so events published afterwards are not missed.
func (b *NATSWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	w := &natsWatcher{ch: make(chan []byte, watcherBuffer)}
	sub, err := b.conn.Subscribe(b.subject(key), func(msg *nats.Msg) {
		w.deliver(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	w.sub = sub
	if err := b.conn.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	b.mu.Lock()
	b.watchers[w.ch] = w
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, w.ch)
	}()
	return w.ch, nil
}

// Unwatch implements WatchBus.Unwatch.
func (b *NATSWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	w, ok := b.watchers[ch]
	delete(b.watchers, ch)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return w.close()
}

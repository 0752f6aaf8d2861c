package watchbus

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannelPrefix namespaces event channels inside Redis.
const DefaultRedisChannelPrefix = "semaphore:events:"

// RedisWatchBus uses Redis Pub/Sub to implement WatchBus. Each key maps to one
// channel; AllKeys watchers use a pattern subscription over the prefix.
type RedisWatchBus struct {
	client *redis.Client
	prefix string

	mu      sync.Mutex
	cancels map[string]map[chan []byte]context.CancelFunc
}

// NewRedisWatchBus creates a new RedisWatchBus using the provided client. An
// empty prefix selects DefaultRedisChannelPrefix.
func NewRedisWatchBus(client *redis.Client, prefix string) *RedisWatchBus {
	if prefix == "" {
		prefix = DefaultRedisChannelPrefix
	}
	return &RedisWatchBus{
		client:  client,
		prefix:  prefix,
		cancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
}

// Publish sends data on the channel for key.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	return b.client.Publish(ctx, b.prefix+key, data).Err()
}

// Watch subscribes to the channel for key, or to every channel for AllKeys.
// It returns once Redis has confirmed the subscription.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	var ps *redis.PubSub
	if key == AllKeys {
		ps = b.client.PSubscribe(ctx, b.prefix+"*")
	} else {
		ps = b.client.Subscribe(ctx, b.prefix+key)
	}
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, err
	}

	ch := make(chan []byte, watcherBuffer)
	b.mu.Lock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = cancel
	b.mu.Unlock()

	// Closing the PubSub unblocks ReceiveMessage, which ignores cancellation.
	go func() {
		<-ctx.Done()
		_ = ps.Close()
	}()
	go func() {
		defer func() {
			b.forget(key, ch)
			close(ch)
		}()
		for {
			msg, err := ps.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			select {
			case ch <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
	return ch, nil
}

func (b *RedisWatchBus) forget(key string, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.cancels[key]
	if !ok {
		return
	}
	if cancel, ok := m[ch]; ok {
		cancel()
		delete(m, ch)
	}
	if len(m) == 0 {
		delete(b.cancels, key)
	}
}

// Unwatch stops watching the given key and channel. The channel is closed
// asynchronously once the receive loop exits.
func (b *RedisWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	var cancel context.CancelFunc
	if m, ok := b.cancels[key]; ok {
		cancel = m[ch]
	}
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

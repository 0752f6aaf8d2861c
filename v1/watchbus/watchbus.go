// Package watchbus fans lease lifecycle events out to watchers. Publishers send
// an opaque payload for a semaphore key; watchers subscribe to one key or to
// AllKeys.
package watchbus

import "context"

// AllKeys subscribes a watcher to events for every key.
const AllKeys = "*"

// WatchBus provides a simple message bus for streaming events.
type WatchBus interface {
	// Publish sends the given data to all watchers of key and of AllKeys.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. The returned channel receives
	// payloads until the context is canceled or Unwatch is called, and is
	// closed afterwards. Slow watchers miss messages rather than block
	// publishers.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// Unwatch stops delivering messages for key to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}

// watcherBuffer is the channel capacity handed to each watcher.
const watcherBuffer = 16

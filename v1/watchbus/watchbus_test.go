package watchbus

import (
	"context"
	"testing"
	"time"
)

func recv(t *testing.T, ch chan []byte) string {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return string(msg)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	return ""
}

func TestInMemoryWatchBus(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	ch, err := bus.Watch(ctx, "foo")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "foo", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if msg := recv(t, ch); msg != "hello" {
		t.Fatalf("unexpected %s", msg)
	}
	if err := bus.Unwatch(ctx, "foo", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unwatch")
	}
	if n := bus.Watchers("foo"); n != 0 {
		t.Fatalf("expected no watchers, got %d", n)
	}
}

func TestInMemoryWatchBusAllKeys(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	chKey, err := bus.Watch(ctx, "a")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	chAll, err := bus.Watch(ctx, AllKeys)
	if err != nil {
		t.Fatalf("watch all: %v", err)
	}
	if err := bus.Publish(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, "b", []byte("2")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if msg := recv(t, chKey); msg != "1" {
		t.Fatalf("unexpected key message %s", msg)
	}
	if msg := recv(t, chAll); msg != "1" {
		t.Fatalf("unexpected first all message %s", msg)
	}
	if msg := recv(t, chAll); msg != "2" {
		t.Fatalf("unexpected second all message %s", msg)
	}
	select {
	case msg := <-chKey:
		t.Fatalf("key watcher received foreign message %s", msg)
	default:
	}
}

func TestInMemoryWatchBusContextCancelUnwatches(t *testing.T) {
	bus := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Watch(ctx, "foo")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("watcher not removed on cancel")
	}
}

func TestInMemoryWatchBusSlowWatcherDoesNotBlock(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	if _, err := bus.Watch(ctx, "foo"); err != nil {
		t.Fatalf("watch: %v", err)
	}
	done := make(chan struct{})
	go func() {
		for i := 0; i < watcherBuffer*4; i++ {
			_ = bus.Publish(ctx, "foo", []byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow watcher")
	}
}

func TestInMemoryWatchBusPublishCancelled(t *testing.T) {
	bus := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Publish(ctx, "foo", []byte("x")); err == nil {
		t.Fatal("expected context error")
	}
}

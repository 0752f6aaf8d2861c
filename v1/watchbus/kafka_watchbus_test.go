package watchbus

import (
	"context"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"
)

func newKafkaWatchBus(t *testing.T) *KafkaWatchBus {
	t.Helper()
	addr := os.Getenv("SEMAPHORE_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("SEMAPHORE_TEST_KAFKA_ADDR not set, skipping Kafka integration tests")
	}
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	bus, err := NewKafkaWatchBus([]string{addr}, "semaphore-test-"+uuid.NewString(), cfg)
	if err != nil {
		t.Fatalf("NewKafkaWatchBus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestKafkaWatchBusPublishWatch(t *testing.T) {
	bus := newKafkaWatchBus(t)
	ctx := context.Background()

	// Auto-created topics need a first message before partitions exist.
	if err := bus.Publish(ctx, "warmup", []byte("0")); err != nil {
		t.Fatalf("warmup publish: %v", err)
	}
	ch, err := bus.Watch(ctx, "job1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	time.Sleep(2 * time.Second)

	if err := bus.Publish(ctx, "job1", []byte("granted")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "granted" {
			t.Fatalf("unexpected %s", msg)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

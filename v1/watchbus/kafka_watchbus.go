package watchbus

import (
	"context"
	"sync"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic carries every lease event; the message key is the
// semaphore key.
const DefaultKafkaTopic = "semaphore-events"

// KafkaWatchBus implements WatchBus on a single Kafka topic. Partition
// consumers start with the first watcher and read from the newest offset.
type KafkaWatchBus struct {
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string

	mu       sync.Mutex
	started  bool
	pcs      []sarama.PartitionConsumer
	watchers map[string]map[chan []byte]struct{}
}

// NewKafkaWatchBus connects to brokers. An empty topic selects
// DefaultKafkaTopic; a nil cfg uses sarama defaults.
func NewKafkaWatchBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaWatchBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaWatchBus{
		client:   client,
		producer: producer,
		consumer: consumer,
		topic:    topic,
		watchers: make(map[string]map[chan []byte]struct{}),
	}, nil
}

// Publish implements WatchBus.Publish.
func (b *KafkaWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}
	_, _, err := b.producer.SendMessage(msg)
	return err
}

// startLocked opens a consumer for every partition of the topic. b.mu must be held.
func (b *KafkaWatchBus) startLocked() error {
	if b.started {
		return nil
	}
	partitions, err := b.consumer.Partitions(b.topic)
	if err != nil {
		return err
	}
	for _, p := range partitions {
		pc, err := b.consumer.ConsumePartition(b.topic, p, sarama.OffsetNewest)
		if err != nil {
			for _, open := range b.pcs {
				_ = open.Close()
			}
			b.pcs = nil
			return err
		}
		b.pcs = append(b.pcs, pc)
		go b.dispatch(pc)
	}
	b.started = true
	return nil
}

func (b *KafkaWatchBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		key := string(msg.Key)
		b.mu.Lock()
		for ch := range b.watchers[key] {
			select {
			case ch <- msg.Value:
			default:
			}
		}
		if key != AllKeys {
			for ch := range b.watchers[AllKeys] {
				select {
				case ch <- msg.Value:
				default:
				}
			}
		}
		b.mu.Unlock()
	}
}

// Watch implements WatchBus.Watch.
func (b *KafkaWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ch := make(chan []byte, watcherBuffer)
	b.mu.Lock()
	if err := b.startLocked(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	m := b.watchers[key]
	if m == nil {
		m = make(map[chan []byte]struct{})
		b.watchers[key] = m
	}
	m[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch implements WatchBus.Unwatch.
func (b *KafkaWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.watchers[key]
	if _, ok := m[ch]; !ok {
		return nil
	}
	delete(m, ch)
	close(ch)
	if len(m) == 0 {
		delete(b.watchers, key)
	}
	return nil
}

// Close releases resources used by the KafkaWatchBus and closes all watchers.
func (b *KafkaWatchBus) Close() error {
	b.mu.Lock()
	for _, pc := range b.pcs {
		_ = pc.Close()
	}
	b.pcs = nil
	for key, m := range b.watchers {
		for ch := range m {
			close(ch)
		}
		delete(b.watchers, key)
	}
	b.mu.Unlock()
	_ = b.producer.Close()
	_ = b.consumer.Close()
	return b.client.Close()
}

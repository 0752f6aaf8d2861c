package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/votem/semaphore-service/v1/lease"
	"github.com/votem/semaphore-service/v1/watchbus"
)

const (
	dialTimeout = 5 * time.Second

	// A network bus that fails this many publishes in a row is skipped for
	// breakerCooldown.
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

func guarded(bus watchbus.WatchBus) watchbus.WatchBus {
	return watchbus.NewCircuitBreaker(bus, breakerThreshold, breakerCooldown)
}

func openRedis(raw string) (*redis.Client, error) {
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

func openStore(cfg Config) (lease.Store, error) {
	scheme, err := storeScheme(cfg.Store)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "redis", "rediss":
		client, err := openRedis(cfg.Store)
		if err != nil {
			return nil, err
		}
		return lease.NewRedisStore(client,
			lease.WithRedisPrefix(cfg.RedisPrefix),
			lease.WithRetention(cfg.RedisRetention),
		), nil
	default:
		var opts []lease.InMemoryOption
		if cfg.StoreShards > 0 {
			opts = append(opts, lease.WithShards(cfg.StoreShards))
		}
		return lease.NewInMemoryStore(opts...), nil
	}
}

// openBus returns the configured bus and a function releasing its
// connection. A nil bus means events are disabled. Network buses are wrapped
// in a circuit breaker.
func openBus(cfg Config) (watchbus.WatchBus, func() error, error) {
	noop := func() error { return nil }
	scheme, err := busScheme(cfg.Bus)
	if err != nil {
		return nil, noop, err
	}
	switch scheme {
	case "none":
		return nil, noop, nil
	case "redis", "rediss":
		client, err := openRedis(cfg.Bus)
		if err != nil {
			return nil, noop, err
		}
		return guarded(watchbus.NewRedisWatchBus(client, "")), client.Close, nil
	case "nats":
		conn, err := nats.Connect(cfg.Bus, nats.Name("semaphored"), nats.Timeout(dialTimeout))
		if err != nil {
			return nil, noop, fmt.Errorf("nats connect: %w", err)
		}
		return guarded(watchbus.NewNATSWatchBus(conn, "")), func() error {
			conn.Close()
			return nil
		}, nil
	case "kafka":
		brokers, topic, err := parseKafkaURL(cfg.Bus)
		if err != nil {
			return nil, noop, err
		}
		kcfg := sarama.NewConfig()
		kcfg.ClientID = "semaphored"
		kcfg.Producer.Return.Successes = true
		kcfg.Producer.RequiredAcks = sarama.WaitForLocal
		bus, err := watchbus.NewKafkaWatchBus(brokers, topic, kcfg)
		if err != nil {
			return nil, noop, fmt.Errorf("kafka connect: %w", err)
		}
		return guarded(bus), bus.Close, nil
	default:
		return watchbus.NewInMemory(), noop, nil
	}
}

// parseKafkaURL splits kafka://host1:9092,host2:9092/topic. The topic is
// optional.
func parseKafkaURL(raw string) ([]string, string, error) {
	rest := strings.TrimPrefix(raw, "kafka://")
	hosts, topic, _ := strings.Cut(rest, "/")
	var brokers []string
	for _, h := range strings.Split(hosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			brokers = append(brokers, h)
		}
	}
	if len(brokers) == 0 {
		return nil, "", fmt.Errorf("config: kafka bus %q has no brokers", raw)
	}
	return brokers, strings.Trim(topic, "/"), nil
}

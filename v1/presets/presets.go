package presets

import (
	redis "github.com/redis/go-redis/v9"

	"github.com/votem/semaphore-service/v1/lease"
	"github.com/votem/semaphore-service/v1/watchbus"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix overrides lease.DefaultRedisPrefix.
	Prefix string
}

// NewRedisShared creates a Manager whose leases live in Redis and whose
// events are published over Redis Pub/Sub on the same connection.
// Several frontends built this way agree on every key and read the time
// from the Redis server.
func NewRedisShared(opts RedisOptions, extra ...lease.Option) (*lease.Manager, watchbus.WatchBus) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	store := lease.NewRedisStore(client, lease.WithRedisPrefix(opts.Prefix))
	bus := watchbus.NewRedisWatchBus(client, "")

	mgrOpts := append([]lease.Option{lease.WithBus(bus), lease.WithClock(store.Clock())}, extra...)
	return lease.NewManager(store, mgrOpts...), bus
}

// NewInMemoryStandalone creates a Manager that runs entirely in-memory with
// no external dependencies. Leases do not survive a restart.
func NewInMemoryStandalone(extra ...lease.Option) (*lease.Manager, *watchbus.InMemoryWatchBus) {
	bus := watchbus.NewInMemory()
	mgrOpts := append([]lease.Option{lease.WithBus(bus)}, extra...)
	return lease.NewManager(lease.NewInMemoryStore(), mgrOpts...), bus
}

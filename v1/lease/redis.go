package lease

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	semerrors "github.com/votem/semaphore-service/v1/errors"
)

// DefaultRedisPrefix namespaces lease keys inside Redis.
const DefaultRedisPrefix = "semaphore:lease:"

// casScript stores ARGV[2] only if the current value equals ARGV[1]. An empty
// ARGV[1] requires the key to be absent. ARGV[3] is an optional PEXPIREAT
// deadline in unix milliseconds.
var casScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if ARGV[1] == "" then
    if cur then
        return 0
    end
elseif cur ~= ARGV[1] then
    return 0
end
redis.call("SET", KEYS[1], ARGV[2])
if tonumber(ARGV[3]) > 0 then
    redis.call("PEXPIREAT", KEYS[1], ARGV[3])
end
return 1
`)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisStore implements Store on a Redis server. Each key is a Redis string
// holding the expiry in unix nanoseconds; conditional writes run as Lua
// scripts so the compare and the write are atomic on the server.
//
// Expiry is judged by the Manager's Clock. Frontends sharing a RedisStore
// must agree on the time, either through synchronised hosts or by all using
// the server time from Clock; a frontend whose clock runs ahead reclaims
// leases early by the skew.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	scanCount int64
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix overrides DefaultRedisPrefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRetention asks Redis to drop an entry once it has been expired for d.
// Zero keeps entries until they are released or swept.
func WithRetention(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// NewRedisStore returns a RedisStore using client. The store owns the client
// and closes it on Close.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: DefaultRedisPrefix, scanCount: 100}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + key
}

func checkExpiry(key string, t time.Time) error {
	if t.After(MaxExpiry) || t.Before(minExpiry) {
		return fmt.Errorf("%w: key %q: %s", semerrors.ErrExpiryOutOfRange, key, t.Format(time.RFC3339))
	}
	return nil
}

func encodeExpiry(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func decodeExpiry(key, raw string) (Lease, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Lease{}, fmt.Errorf("%w: key %q: %v", semerrors.ErrCorruptLease, key, err)
	}
	return Lease{Key: key, ExpiresAt: time.Unix(0, n).UTC()}, nil
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: %s %q: %w", semerrors.ErrStoreUnavailable, op, key, err)
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, key string) (Lease, bool, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Result()
	if err == redis.Nil {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, unavailable("get", key, err)
	}
	l, err := decodeExpiry(key, raw)
	if err != nil {
		return Lease{}, false, err
	}
	return l, true, nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected *Lease, next Lease) (bool, error) {
	if err := checkExpiry(key, next.ExpiresAt); err != nil {
		return false, err
	}
	want := ""
	if expected != nil {
		want = encodeExpiry(expected.ExpiresAt)
	}
	var deadline int64
	if s.retention > 0 {
		deadline = next.ExpiresAt.Add(s.retention).UnixMilli()
	}
	n, err := casScript.Run(ctx, s.client, []string{s.redisKey(key)}, want, encodeExpiry(next.ExpiresAt), deadline).Int()
	if err != nil {
		return false, unavailable("compare-and-swap", key, err)
	}
	return n == 1, nil
}

// Remove implements Store.Remove.
func (s *RedisStore) Remove(ctx context.Context, key string, expected Lease) (bool, error) {
	n, err := delScript.Run(ctx, s.client, []string{s.redisKey(key)}, encodeExpiry(expected.ExpiresAt)).Int()
	if err != nil {
		return false, unavailable("remove", key, err)
	}
	return n == 1, nil
}

// Range implements Store.Range by scanning the key prefix. Entries that vanish
// between SCAN and MGET are skipped.
func (s *RedisStore) Range(ctx context.Context, fn func(Lease) bool) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", s.scanCount).Result()
		if err != nil {
			return unavailable("scan", s.prefix, err)
		}
		if len(keys) > 0 {
			vals, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return unavailable("mget", s.prefix, err)
			}
			for i, v := range vals {
				raw, ok := v.(string)
				if !ok {
					continue
				}
				l, err := decodeExpiry(keys[i][len(s.prefix):], raw)
				if err != nil {
					return err
				}
				if !fn(l) {
					return nil
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Len implements Store.Len.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n := 0
	err := s.Range(ctx, func(Lease) bool {
		n++
		return true
	})
	return n, err
}

// Clock returns a RedisClock on the store's connection.
func (s *RedisStore) Clock() *RedisClock {
	return NewRedisClock(s.client)
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

const redisClockTimeout = time.Second

// RedisClock reads the time from the Redis server with TIME, so every
// frontend sharing a server judges expiry against one clock. It falls back to
// the local clock when TIME fails.
type RedisClock struct {
	client   *redis.Client
	fallback Clock
}

// NewRedisClock returns a RedisClock using client.
func NewRedisClock(client *redis.Client) *RedisClock {
	return &RedisClock{client: client, fallback: RealClock{}}
}

// Now returns the server time in UTC.
func (c *RedisClock) Now() time.Time {
	ctx, cancel := context.WithTimeout(context.Background(), redisClockTimeout)
	defer cancel()
	t, err := c.client.Time(ctx).Result()
	if err != nil {
		return c.fallback.Now()
	}
	return t.UTC()
}

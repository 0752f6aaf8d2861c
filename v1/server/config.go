package server

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/votem/semaphore-service/v1/lease"
)

// Defaults applied by DefaultConfig.
const (
	DefaultListen          = ":8080"
	DefaultMetricsListen   = ":9090"
	DefaultStore           = "mem://"
	DefaultBus             = "mem://"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
)

// Config captures everything needed to run a semaphore server.
type Config struct {
	// Listen is the address of the lease API.
	Listen string
	// MetricsListen serves /metrics and /healthz. Empty disables it.
	MetricsListen string

	// Store selects the lease backend: mem:// or redis://host:port/db.
	Store          string
	StoreShards    int
	RedisPrefix    string
	RedisRetention time.Duration

	// Bus selects where lease events go: mem://, redis://, nats://,
	// kafka://broker1,broker2/topic or none.
	Bus string

	DefaultTimeout  time.Duration
	MaxTimeout      time.Duration
	SweepInterval   time.Duration
	SweepGrace      time.Duration
	ShutdownTimeout time.Duration

	// TraceStdout exports OpenTelemetry spans to stdout.
	TraceStdout bool

	LogLevel  string
	LogFormat string
}

// DefaultConfig returns a Config for a single in-memory node.
func DefaultConfig() Config {
	return Config{
		Listen:          DefaultListen,
		MetricsListen:   DefaultMetricsListen,
		Store:           DefaultStore,
		RedisPrefix:     lease.DefaultRedisPrefix,
		Bus:             DefaultBus,
		DefaultTimeout:  lease.DefaultTimeout,
		SweepInterval:   lease.DefaultSweepInterval,
		ShutdownTimeout: DefaultShutdownTimeout,
		LogLevel:        DefaultLogLevel,
		LogFormat:       DefaultLogFormat,
	}
}

// Validate checks the configuration and fills zero values with defaults.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address required")
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if _, err := storeScheme(c.Store); err != nil {
		return err
	}
	if c.Bus == "" {
		c.Bus = DefaultBus
	}
	if _, err := busScheme(c.Bus); err != nil {
		return err
	}
	if c.StoreShards < 0 {
		return fmt.Errorf("config: store-shards must be >= 0")
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = lease.DefaultRedisPrefix
	}
	if c.RedisRetention < 0 {
		return fmt.Errorf("config: redis-retention must be >= 0")
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = lease.DefaultTimeout
	}
	if c.MaxTimeout < 0 {
		return fmt.Errorf("config: max-timeout must be >= 0")
	}
	if c.MaxTimeout > 0 && c.DefaultTimeout > c.MaxTimeout {
		return fmt.Errorf("config: default-timeout %s exceeds max-timeout %s", c.DefaultTimeout, c.MaxTimeout)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("config: sweep-interval must be >= 0")
	}
	if c.SweepGrace < 0 {
		return fmt.Errorf("config: sweep-grace must be >= 0")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "":
		c.LogFormat = DefaultLogFormat
	case "json", "text":
	default:
		return fmt.Errorf("config: log-format must be json or text, got %q", c.LogFormat)
	}
	return nil
}

func storeScheme(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("config: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "redis", "rediss":
		return u.Scheme, nil
	default:
		return "", fmt.Errorf("config: unsupported store scheme %q", u.Scheme)
	}
}

func busScheme(raw string) (string, error) {
	if strings.EqualFold(raw, "none") {
		return "none", nil
	}
	scheme, _, ok := strings.Cut(raw, "://")
	if !ok {
		return "", fmt.Errorf("config: bus %q must be a URL or none", raw)
	}
	switch scheme {
	case "mem", "memory", "redis", "rediss", "nats", "kafka":
		return scheme, nil
	default:
		return "", fmt.Errorf("config: unsupported bus scheme %q", scheme)
	}
}

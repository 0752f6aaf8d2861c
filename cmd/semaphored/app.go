package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/votem/semaphore-service/v1/server"
)

// errOutcome marks a command that ran fine but reported DENIED or NOT_HELD.
// It only changes the exit code.
var errOutcome = errors.New("semaphore: negative outcome")

func submain(ctx context.Context) int {
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		return 1
	}
	cmd := newRootCommand(viper.New())
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if errors.Is(err, errOutcome) {
			return 2
		}
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// loadDotEnv reads path into the environment when it exists. Variables that
// are already set win.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "semaphored",
		Short:         "semaphored grants time-bounded exclusive leases on named keys over HTTP",
		SilenceErrors: true,
		Example: `
  # Single node, in-memory leases
  semaphored serve

  # Several frontends sharing leases through Redis, events over NATS
  SEMAPHORE_STORE=redis://localhost:6379/0 SEMAPHORE_BUS=nats://localhost:4222 semaphored serve

  # Take job1 for 30 seconds, then give it back
  semaphored acquire job1 --timeout 30s
  semaphored release job1
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfigFile(v)
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.String("config", "", "path to a YAML, TOML or JSON config file")
	persistent.String("server", "http://127.0.0.1:8080", "semaphore server URL used by client commands")
	persistent.String("log-level", server.DefaultLogLevel, "log level: debug, info, warn, error")
	persistent.String("log-format", server.DefaultLogFormat, "log format: json or text")

	v.SetEnvPrefix("SEMAPHORE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	bindFlags(v, persistent, "config", "server", "log-level", "log-format")

	cmd.AddCommand(newServeCommand(v))
	cmd.AddCommand(newAcquireCommand(v))
	cmd.AddCommand(newReleaseCommand(v))
	cmd.AddCommand(newInspectCommand(v))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
}

func loadConfigFile(v *viper.Viper) error {
	path := strings.TrimSpace(v.GetString("config"))
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	return nil
}

func newServeCommand(v *viper.Viper) *cobra.Command {
	def := server.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the semaphore HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg := bindConfig(v)
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := server.NewLogger(cfg.LogFormat, cfg.LogLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			logger.Info("semaphore: starting", "pid", os.Getpid(), "version", version)
			srv, err := server.NewServer(cfg, server.WithLogger(logger))
			if err != nil {
				logger.Error("semaphore: init failed", "error", err)
				return err
			}
			if err := srv.Start(cmd.Context()); err != nil {
				logger.Error("semaphore: server failed", "error", err)
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("listen", def.Listen, "lease API listen address")
	flags.String("metrics-listen", def.MetricsListen, "metrics and health listen address (empty disables)")
	flags.String("store", def.Store, "lease store URL (mem://, redis://host:port/db)")
	flags.Int("store-shards", 0, "in-memory store shard count (0 uses the built-in default)")
	flags.String("redis-prefix", def.RedisPrefix, "key prefix for leases in Redis")
	flags.Duration("redis-retention", 0, "let Redis drop leases this long after they expire (0 keeps them)")
	flags.String("bus", def.Bus, "lease event bus URL (mem://, redis://, nats://, kafka://brokers/topic, none)")
	flags.Duration("default-timeout", def.DefaultTimeout, "lease length when a request has no valid timeout")
	flags.Duration("max-timeout", 0, "upper bound for requested lease lengths (0 is unlimited)")
	flags.Duration("sweep-interval", def.SweepInterval, "period between purges of expired leases (0 disables)")
	flags.Duration("sweep-grace", 0, "keep expired leases this long before purging")
	flags.Duration("shutdown-timeout", def.ShutdownTimeout, "time allowed for in-flight requests on shutdown")
	flags.Bool("trace-stdout", false, "export OpenTelemetry spans to stdout")
	bindFlags(v, flags,
		"listen", "metrics-listen", "store", "store-shards", "redis-prefix", "redis-retention",
		"bus", "default-timeout", "max-timeout", "sweep-interval", "sweep-grace", "shutdown-timeout",
		"trace-stdout",
	)
	return cmd
}

func bindConfig(v *viper.Viper) server.Config {
	return server.Config{
		Listen:          v.GetString("listen"),
		MetricsListen:   v.GetString("metrics-listen"),
		Store:           v.GetString("store"),
		StoreShards:     v.GetInt("store-shards"),
		RedisPrefix:     v.GetString("redis-prefix"),
		RedisRetention:  v.GetDuration("redis-retention"),
		Bus:             v.GetString("bus"),
		DefaultTimeout:  v.GetDuration("default-timeout"),
		MaxTimeout:      v.GetDuration("max-timeout"),
		SweepInterval:   v.GetDuration("sweep-interval"),
		SweepGrace:      v.GetDuration("sweep-grace"),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
		TraceStdout:     v.GetBool("trace-stdout"),
		LogLevel:        v.GetString("log-level"),
		LogFormat:       v.GetString("log-format"),
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-signals:
			slog.Info("semaphore: signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

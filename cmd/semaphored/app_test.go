package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/votem/semaphore-service/v1/httpapi"
	"github.com/votem/semaphore-service/v1/lease"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(viper.New())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	_, err := cmd.ExecuteContextC(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "semaphored ") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestClientCommands(t *testing.T) {
	mgr := lease.NewManager(lease.NewInMemoryStore())
	srv := httptest.NewServer(httpapi.New(mgr))
	defer srv.Close()

	out, err := run(t, "acquire", "job1", "--timeout", "30s", "--server", srv.URL)
	if err != nil || strings.TrimSpace(out) != "GRANTED" {
		t.Fatalf("acquire: %q %v", out, err)
	}
	out, err = run(t, "acquire", "job1", "--server", srv.URL)
	if !errors.Is(err, errOutcome) || strings.TrimSpace(out) != "DENIED" {
		t.Fatalf("second acquire: %q %v", out, err)
	}
	out, err = run(t, "inspect", "job1", "--server", srv.URL)
	if err != nil || !strings.Contains(out, `"held": true`) {
		t.Fatalf("inspect: %q %v", out, err)
	}
	out, err = run(t, "release", "job1", "--server", srv.URL)
	if err != nil || strings.TrimSpace(out) != "RELEASED" {
		t.Fatalf("release: %q %v", out, err)
	}
	out, err = run(t, "release", "job1", "--server", srv.URL)
	if !errors.Is(err, errOutcome) || strings.TrimSpace(out) != "NOT_HELD" {
		t.Fatalf("second release: %q %v", out, err)
	}
}

func TestServerFlagFromEnv(t *testing.T) {
	mgr := lease.NewManager(lease.NewInMemoryStore())
	srv := httptest.NewServer(httpapi.New(mgr))
	defer srv.Close()
	t.Setenv("SEMAPHORE_SERVER", srv.URL)

	out, err := run(t, "acquire", "from-env")
	if err != nil || strings.TrimSpace(out) != "GRANTED" {
		t.Fatalf("acquire: %q %v", out, err)
	}
}

func TestBindConfigPrecedence(t *testing.T) {
	t.Setenv("SEMAPHORE_STORE", "redis://localhost:6379/0")
	t.Setenv("SEMAPHORE_SWEEP_INTERVAL", "30s")
	v := viper.New()
	cmd := newRootCommand(v)
	cmd.SetArgs([]string{"serve", "--listen", ":9999"})
	serve, _, err := cmd.Find([]string{"serve"})
	if err != nil {
		t.Fatalf("find serve: %v", err)
	}
	if err := serve.ParseFlags([]string{"--listen", ":9999"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg := bindConfig(v)
	if cfg.Listen != ":9999" {
		t.Fatalf("flag not applied: %q", cfg.Listen)
	}
	if cfg.Store != "redis://localhost:6379/0" {
		t.Fatalf("env not applied: %q", cfg.Store)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Fatalf("env duration not applied: %v", cfg.SweepInterval)
	}
	if cfg.DefaultTimeout != lease.DefaultTimeout {
		t.Fatalf("default not applied: %v", cfg.DefaultTimeout)
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "semaphored.yaml")
	if err := os.WriteFile(path, []byte("bus: none\nmax-timeout: 1h\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	v := viper.New()
	newRootCommand(v)
	v.Set("config", path)
	if err := loadConfigFile(v); err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := bindConfig(v)
	if cfg.Bus != "none" || cfg.MaxTimeout != time.Hour {
		t.Fatalf("config file not applied: %+v", cfg)
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := loadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file must be ignored: %v", err)
	}
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("SEMAPHORE_TEST_DOTENV=loaded\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("SEMAPHORE_TEST_DOTENV") })
	if err := loadDotEnv(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("SEMAPHORE_TEST_DOTENV"); got != "loaded" {
		t.Fatalf("expected variable from .env, got %q", got)
	}
}

func TestServeRejectsBadConfig(t *testing.T) {
	_, err := run(t, "serve", "--store", "s3://bucket")
	if err == nil || !strings.Contains(err.Error(), "store scheme") {
		t.Fatalf("expected store scheme error, got %v", err)
	}
}

// Package server wires a lease manager, its HTTP API, the metrics listener
// and the sweeper into one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/votem/semaphore-service/v1/httpapi"
	"github.com/votem/semaphore-service/v1/lease"
	"github.com/votem/semaphore-service/v1/metrics"
	"github.com/votem/semaphore-service/v1/watchbus"
)

const readHeaderTimeout = 10 * time.Second

// Server runs the semaphore HTTP API.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	mgr      *lease.Manager
	bus      watchbus.WatchBus
	busClose func() error
	sweeper  *lease.Sweeper
	registry *prometheus.Registry
	tp       *sdktrace.TracerProvider

	httpSrv    *http.Server
	metricsSrv *http.Server

	// streams is the base context of API requests. It ends when shutdown
	// starts so open watch streams let go of their connections.
	streams       context.Context
	cancelStreams context.CancelFunc

	mu        sync.Mutex
	ln        net.Listener
	metricsLn net.Listener
	cancel    context.CancelFunc
	ready     chan struct{}
	done      chan struct{}
	started   bool
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Server.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	clock       lease.Clock
	store       lease.Store
	bus         watchbus.WatchBus
	traceWriter io.Writer
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClock replaces the wall clock of the manager and the sweeper.
func WithClock(c lease.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithStore uses store instead of opening Config.Store.
func WithStore(store lease.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithBus uses bus instead of opening Config.Bus.
func WithBus(bus watchbus.WatchBus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithTraceWriter sends stdout trace output to w. It implies tracing.
func WithTraceWriter(w io.Writer) Option {
	return func(o *options) {
		o.traceWriter = w
	}
}

// NewServer validates cfg and opens the store and bus it names.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	store := o.store
	if store == nil {
		var err error
		if store, err = openStore(cfg); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	bus, busClose := o.bus, func() error { return nil }
	if bus == nil {
		var err error
		if bus, busClose, err = openBus(cfg); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open bus: %w", err)
		}
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		busClose: busClose,
		registry: metrics.NewRegistry(),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	metrics.RegisterCoreMetrics(s.registry)

	mgrOpts := []lease.Option{
		lease.WithLogger(logger),
		lease.WithDefaultTimeout(cfg.DefaultTimeout),
		lease.WithMaxTimeout(cfg.MaxTimeout),
	}
	apiOpts := []httpapi.Option{httpapi.WithLogger(logger)}
	if bus != nil {
		mgrOpts = append(mgrOpts, lease.WithBus(bus))
		apiOpts = append(apiOpts, httpapi.WithBus(bus))
	}
	clock := o.clock
	if rs, ok := store.(*lease.RedisStore); ok && clock == nil {
		clock = rs.Clock()
	}
	if clock != nil {
		mgrOpts = append(mgrOpts, lease.WithClock(clock))
	}
	if cfg.TraceStdout || o.traceWriter != nil {
		tp, err := newTracerProvider(o.traceWriter)
		if err != nil {
			_ = store.Close()
			_ = busClose()
			return nil, err
		}
		s.tp = tp
		otel.SetTracerProvider(tp)
		mgrOpts = append(mgrOpts, lease.WithTracing())
		apiOpts = append(apiOpts, httpapi.WithTracing())
	}
	s.mgr = lease.NewManager(store, mgrOpts...)

	if cfg.SweepInterval > 0 {
		sweepOpts := []lease.SweeperOption{
			lease.WithSweepInterval(cfg.SweepInterval),
			lease.WithSweepGrace(cfg.SweepGrace),
			lease.WithSweepLogger(logger),
		}
		if bus != nil {
			sweepOpts = append(sweepOpts, lease.WithSweepBus(bus))
		}
		if clock != nil {
			sweepOpts = append(sweepOpts, lease.WithSweepClock(clock))
		}
		s.sweeper = lease.NewSweeper(store, sweepOpts...)
	}

	s.streams, s.cancelStreams = context.WithCancel(context.Background())
	s.httpSrv = &http.Server{
		Handler:           httpapi.New(s.mgr, apiOpts...),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.streams },
	}
	s.httpSrv.RegisterOnShutdown(s.cancelStreams)
	if cfg.MetricsListen != "" {
		s.metricsSrv = &http.Server{Handler: s.metricsHandler(), ReadHeaderTimeout: readHeaderTimeout}
	}
	return s, nil
}

func newTracerProvider(w io.Writer) (*sdktrace.TracerProvider, error) {
	var expOpts []stdouttrace.Option
	if w != nil {
		expOpts = append(expOpts, stdouttrace.WithWriter(w))
	}
	exp, err := stdouttrace.New(expOpts...)
	if err != nil {
		return nil, fmt.Errorf("stdout trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp)), nil
}

func (s *Server) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		if _, _, err := s.mgr.Store().Get(r.Context(), "_healthz"); err != nil {
			s.logger.Warn("semaphore: health check failed", "error", err)
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "ok\n")
	})
	return mux
}

// Handler returns the API handler.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Manager returns the lease manager.
func (s *Server) Manager() *lease.Manager {
	return s.mgr
}

// Registry returns the Prometheus registry served on the metrics listener.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Start listens on the configured addresses and serves until ctx is
// cancelled, Shutdown is called or a listener fails. It then drains in-flight
// requests for up to Config.ShutdownTimeout and releases every resource.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server: already started")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer close(s.done)
	defer cancel()

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		_ = s.close()
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	var metricsLn net.Listener
	if s.metricsSrv != nil {
		if metricsLn, err = net.Listen("tcp", s.cfg.MetricsListen); err != nil {
			_ = ln.Close()
			_ = s.close()
			return fmt.Errorf("listen metrics %s: %w", s.cfg.MetricsListen, err)
		}
	}
	s.mu.Lock()
	s.ln, s.metricsLn = ln, metricsLn
	s.mu.Unlock()
	close(s.ready)
	s.logger.Info("semaphore: listening", "address", ln.Addr().String(), "store", s.cfg.Store, "bus", s.cfg.Bus)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	if metricsLn != nil {
		s.logger.Info("semaphore: metrics listening", "address", metricsLn.Addr().String())
		g.Go(func() error {
			if err := s.metricsSrv.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics serve: %w", err)
			}
			return nil
		})
	}
	if s.sweeper != nil {
		g.Go(func() error {
			s.sweeper.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return s.drain()
	})

	err = g.Wait()
	if cerr := s.close(); err == nil {
		err = cerr
	}
	s.logger.Info("semaphore: stopped")
	return err
}

func (s *Server) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) close() error {
	s.closeOnce.Do(func() {
		s.cancelStreams()
		var errs []error
		if err := s.mgr.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		if err := s.busClose(); err != nil {
			errs = append(errs, fmt.Errorf("close bus: %w", err))
		}
		if s.tp != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			if err := s.tp.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
			}
			cancel()
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Shutdown stops a running server and waits for Start to return, or releases
// resources directly when Start was never called.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	started, cancel := s.started, s.cancel
	s.mu.Unlock()
	if !started {
		return s.close()
	}
	cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitUntilReady blocks until the listeners are bound.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return errors.New("server: stopped before becoming ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the bound API address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// MetricsAddr returns the bound metrics address, or nil when disabled.
func (s *Server) MetricsAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metricsLn == nil {
		return nil
	}
	return s.metricsLn.Addr()
}

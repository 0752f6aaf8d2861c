// Package httpapi exposes a lease.Manager over HTTP.
//
// GET /{key} acquires the key, DELETE /{key} releases it. Outcomes map to
// status codes only; successful calls answer 204 with no body. Every response
// carries Cache-Control: no-cache so intermediaries never replay a decision.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	semerrors "github.com/votem/semaphore-service/v1/errors"
	"github.com/votem/semaphore-service/v1/lease"
	"github.com/votem/semaphore-service/v1/watchbus"
)

// Route prefixes reserved next to the key namespace.
const (
	LeasesPath   = "/_leases/"
	WatchSSEPath = "/_watch/sse"
	WatchWSPath  = "/_watch/ws"
)

// LeaseStatus is the body of an inspection response.
type LeaseStatus struct {
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
	Held      bool      `json:"held"`
}

type handler struct {
	mgr     *lease.Manager
	bus     watchbus.WatchBus
	logger  *slog.Logger
	tracing bool
}

// Option configures the handler returned by New.
type Option func(*handler)

// WithBus mounts the SSE and WebSocket watch routes on bus.
func WithBus(bus watchbus.WatchBus) Option {
	return func(h *handler) {
		h.bus = bus
	}
}

// WithLogger sets the request logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithTracing wraps the handler with otelhttp server spans.
func WithTracing() Option {
	return func(h *handler) {
		h.tracing = true
	}
}

// New returns the HTTP handler for mgr.
func New(mgr *lease.Manager, opts ...Option) http.Handler {
	h := &handler{mgr: mgr, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{key}", h.acquire)
	mux.HandleFunc("DELETE /{key}", h.release)
	mux.HandleFunc("GET "+LeasesPath+"{key}", h.inspect)
	mux.HandleFunc("/{$}", h.emptyKey)
	if h.bus != nil {
		mux.Handle("GET "+WatchSSEPath, watchbus.SSEHandler(h.bus))
		mux.Handle("GET "+WatchWSPath, watchbus.WebSocketHandler(h.bus))
	}

	var root http.Handler = noCache(mux)
	if h.tracing {
		root = otelhttp.NewHandler(root, "semaphore")
	}
	return root
}

func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		next.ServeHTTP(w, r)
	})
}

// ParseTimeout reads a lease length in whole seconds. Missing, malformed and
// non-positive values yield def.
func ParseTimeout(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	if n > int64(time.Duration(1<<63-1)/time.Second) {
		return def
	}
	return time.Duration(n) * time.Second
}

func (h *handler) acquire(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	timeout := ParseTimeout(r.URL.Query().Get("timeout"), h.mgr.DefaultTimeout())
	res, l, err := h.mgr.Acquire(r.Context(), key, timeout)
	if err != nil {
		h.fail(w, r, key, err)
		return
	}
	switch res {
	case lease.Granted:
		h.logger.Info("semaphore acquired", "key", key, "expires_at", l.ExpiresAt)
		w.WriteHeader(http.StatusNoContent)
	default:
		h.logger.Info("semaphore not available", "key", key)
		http.Error(w, fmt.Sprintf("Semaphore %q is not available", key), http.StatusForbidden)
	}
}

func (h *handler) release(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	res, err := h.mgr.Release(r.Context(), key)
	if err != nil {
		h.fail(w, r, key, err)
		return
	}
	switch res {
	case lease.Released:
		h.logger.Info("semaphore released", "key", key)
		w.WriteHeader(http.StatusNoContent)
	default:
		h.logger.Info("semaphore does not exist", "key", key)
		http.Error(w, fmt.Sprintf("Semaphore %q does not exist", key), http.StatusNotFound)
	}
}

func (h *handler) inspect(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	l, ok, err := h.mgr.Inspect(r.Context(), key)
	if err != nil {
		h.fail(w, r, key, err)
		return
	}
	if !ok {
		http.Error(w, fmt.Sprintf("Semaphore %q does not exist", key), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(LeaseStatus{
		Key:       l.Key,
		ExpiresAt: l.ExpiresAt,
		Held:      l.Held(h.mgr.Now()),
	})
}

func (h *handler) emptyKey(w http.ResponseWriter, r *http.Request) {
	h.fail(w, r, "", semerrors.ErrInvalidKey)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, key string, err error) {
	if errors.Is(err, semerrors.ErrInvalidKey) {
		h.logger.Info("semaphore: rejected request", "method", r.Method, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.logger.Error("semaphore: request failed", "method", r.Method, "key", key, "error", err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

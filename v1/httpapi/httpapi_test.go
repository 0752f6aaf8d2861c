package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/votem/semaphore-service/v1/lease"
	"github.com/votem/semaphore-service/v1/watchbus"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *lease.Manager, *lease.ManualClock) {
	t.Helper()
	clock := lease.NewManualClock(t0)
	mgr := lease.NewManager(lease.NewInMemoryStore(), lease.WithClock(clock))
	srv := httptest.NewServer(New(mgr, opts...))
	t.Cleanup(srv.Close)
	return srv, mgr, clock
}

func do(t *testing.T, method, url string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("%s %s: unexpected Cache-Control %q", method, url, cc)
	}
	return resp.StatusCode, strings.TrimSpace(string(body))
}

func TestAcquireRelease(t *testing.T) {
	srv, _, _ := newTestServer(t)

	if code, body := do(t, http.MethodGet, srv.URL+"/job1?timeout=10"); code != http.StatusNoContent || body != "" {
		t.Fatalf("expected 204 with empty body, got %d %q", code, body)
	}
	code, body := do(t, http.MethodGet, srv.URL+"/job1?timeout=10")
	if code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if body != `Semaphore "job1" is not available` {
		t.Fatalf("unexpected body %q", body)
	}
	if code, _ := do(t, http.MethodDelete, srv.URL+"/job1"); code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", code)
	}
	code, body = do(t, http.MethodDelete, srv.URL+"/job1")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if body != `Semaphore "job1" does not exist` {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestReleaseNeverAcquired(t *testing.T) {
	srv, _, _ := newTestServer(t)
	if code, _ := do(t, http.MethodDelete, srv.URL+"/never"); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestExpiryScenario(t *testing.T) {
	srv, _, clock := newTestServer(t)
	if code, _ := do(t, http.MethodGet, srv.URL+"/job1?timeout=1"); code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", code)
	}
	clock.Advance(1100 * time.Millisecond)
	if code, _ := do(t, http.MethodGet, srv.URL+"/job1?timeout=10"); code != http.StatusNoContent {
		t.Fatalf("expected reacquire after expiry, got %d", code)
	}
	if code, _ := do(t, http.MethodDelete, srv.URL+"/job1"); code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", code)
	}
	if code, _ := do(t, http.MethodDelete, srv.URL+"/job1"); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestTimeoutParameter(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	cases := map[string]time.Duration{
		"/a?timeout=10":  10 * time.Second,
		"/b":             lease.DefaultTimeout,
		"/c?timeout=abc": lease.DefaultTimeout,
		"/d?timeout=0":   lease.DefaultTimeout,
		"/e?timeout=-5":  lease.DefaultTimeout,
		"/f?timeout=1.5": lease.DefaultTimeout,
	}
	for path, want := range cases {
		if code, _ := do(t, http.MethodGet, srv.URL+path); code != http.StatusNoContent {
			t.Fatalf("GET %s: expected 204, got %d", path, code)
		}
		key := strings.TrimPrefix(strings.SplitN(path, "?", 2)[0], "/")
		l, ok, err := mgr.Inspect(context.Background(), key)
		if err != nil || !ok {
			t.Fatalf("inspect %s: %v %v", key, ok, err)
		}
		if got := l.ExpiresAt.Sub(t0); got != want {
			t.Fatalf("GET %s: expected lease of %v, got %v", path, want, got)
		}
	}
}

func TestVeryLongTimeoutStaysHeld(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	// 250 years runs past the last representable expiry.
	if code, _ := do(t, http.MethodGet, srv.URL+"/job1?timeout=7884000000"); code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", code)
	}
	l, ok, err := mgr.Inspect(context.Background(), "job1")
	if err != nil || !ok || !l.ExpiresAt.Equal(lease.MaxExpiry) {
		t.Fatalf("expected expiry capped at %v, got %v %v %v", lease.MaxExpiry, l.ExpiresAt, ok, err)
	}
	if code, _ := do(t, http.MethodGet, srv.URL+"/job1?timeout=60"); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestParseTimeout(t *testing.T) {
	def := 300 * time.Second
	cases := map[string]time.Duration{
		"":                     def,
		"1":                    time.Second,
		"3600":                 time.Hour,
		"0":                    def,
		"-1":                   def,
		"ten":                  def,
		"99999999999999999999": def,
		"9999999999999":        def,
	}
	for raw, want := range cases {
		if got := ParseTimeout(raw, def); got != want {
			t.Fatalf("ParseTimeout(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestEmptyKey(t *testing.T) {
	srv, _, _ := newTestServer(t)
	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		if code, _ := do(t, method, srv.URL+"/"); code != http.StatusBadRequest {
			t.Fatalf("%s /: expected 400, got %d", method, code)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t)
	if code, _ := do(t, http.MethodPost, srv.URL+"/job1"); code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", code)
	}
}

func TestInspect(t *testing.T) {
	srv, _, clock := newTestServer(t)
	if code, _ := do(t, http.MethodGet, srv.URL+LeasesPath+"job1"); code != http.StatusNotFound {
		t.Fatalf("expected 404 before acquire, got %d", code)
	}
	do(t, http.MethodGet, srv.URL+"/job1?timeout=10")

	code, body := do(t, http.MethodGet, srv.URL+LeasesPath+"job1")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var st LeaseStatus
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Key != "job1" || !st.Held || !st.ExpiresAt.Equal(t0.Add(10*time.Second)) {
		t.Fatalf("unexpected status %+v", st)
	}

	clock.Advance(11 * time.Second)
	_, body = do(t, http.MethodGet, srv.URL+LeasesPath+"job1")
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Held {
		t.Fatal("expected expired lease reported as not held")
	}
}

type brokenStore struct {
	*lease.InMemoryStore
}

func (brokenStore) Get(context.Context, string) (lease.Lease, bool, error) {
	return lease.Lease{}, false, errors.New("connection refused")
}

func TestStoreFailure(t *testing.T) {
	mgr := lease.NewManager(brokenStore{lease.NewInMemoryStore()})
	srv := httptest.NewServer(New(mgr))
	defer srv.Close()

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		code, body := do(t, method, srv.URL+"/job1")
		if code != http.StatusInternalServerError {
			t.Fatalf("%s: expected 500, got %d", method, code)
		}
		if body != "internal server error" {
			t.Fatalf("%s: internal detail leaked: %q", method, body)
		}
	}
}

func TestWatchRoutes(t *testing.T) {
	bus := watchbus.NewInMemory()
	srv, _, _ := newTestServer(t, WithBus(bus))

	resp, err := http.Get(srv.URL + WatchSSEPath + "?key=job1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	for i := 0; i < 100 && bus.Watchers("job1") == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}

	do(t, http.MethodGet, srv.URL+"/job1?timeout=10")

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	payload := strings.TrimPrefix(strings.TrimSpace(line), "data: ")
	var ev lease.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		t.Fatalf("decode %q: %v", payload, err)
	}
	if ev.Type != lease.EventGranted || ev.Key != "job1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestWatchRoutesAbsentWithoutBus(t *testing.T) {
	srv, _, _ := newTestServer(t)
	if code, _ := do(t, http.MethodGet, srv.URL+WatchSSEPath); code != http.StatusNotFound {
		t.Fatalf("expected 404 without a bus, got %d", code)
	}
}

func TestTracingHandler(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	mgr := lease.NewManager(lease.NewInMemoryStore(), lease.WithClock(lease.NewManualClock(t0)), lease.WithTracing())
	h := New(mgr, WithTracing())
	serve := func(method, target string) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
		return rec.Code
	}
	if code := serve(http.MethodGet, "/job1"); code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", code)
	}
	if code := serve(http.MethodDelete, "/job1"); code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", code)
	}

	servers := map[trace.SpanID]bool{}
	var leases []sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		switch {
		case s.SpanKind() == trace.SpanKindServer:
			servers[s.SpanContext().SpanID()] = true
		case strings.HasPrefix(s.Name(), "Lease."):
			leases = append(leases, s)
		}
	}
	if len(servers) != 2 || len(leases) != 2 {
		t.Fatalf("expected 2 server and 2 lease spans, got %d and %d", len(servers), len(leases))
	}
	want := map[string]string{"Lease.Acquire": "GRANTED", "Lease.Release": "RELEASED"}
	for _, s := range leases {
		attrs := map[string]string{}
		for _, kv := range s.Attributes() {
			attrs[string(kv.Key)] = kv.Value.AsString()
		}
		if attrs["semaphore.key"] != "job1" || attrs["semaphore.result"] != want[s.Name()] {
			t.Fatalf("%s: unexpected attributes %v", s.Name(), attrs)
		}
		if !servers[s.Parent().SpanID()] {
			t.Fatalf("%s: expected a server span parent", s.Name())
		}
	}
}

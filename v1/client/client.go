// Package client talks to a semaphore server over HTTP.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	semerrors "github.com/votem/semaphore-service/v1/errors"
	"github.com/votem/semaphore-service/v1/httpapi"
	"github.com/votem/semaphore-service/v1/lease"
)

// DefaultHTTPTimeout bounds a single request when no http.Client is supplied.
const DefaultHTTPTimeout = 10 * time.Second

// Client issues acquire, release and inspect requests.
type Client struct {
	base *url.URL
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New returns a Client for the server at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	c := &Client{base: u, http: &http.Client{Timeout: DefaultHTTPTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(prefix, key string, q url.Values) string {
	u := *c.base
	u.Path = c.base.Path + prefix + key
	u.RawPath = c.base.EscapedPath() + prefix + url.PathEscape(key)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

func unexpected(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: %s: %s", semerrors.ErrUnexpectedResponse, resp.Status, strings.TrimSpace(string(body)))
}

// Acquire asks for key for timeout. The server works in whole seconds, so
// timeout is rounded up; a non-positive timeout leaves the server default.
func (c *Client) Acquire(ctx context.Context, key string, timeout time.Duration) (lease.Result, error) {
	if key == "" {
		return 0, semerrors.ErrInvalidKey
	}
	q := url.Values{}
	if timeout > 0 {
		secs := int64((timeout + time.Second - 1) / time.Second)
		q.Set("timeout", strconv.FormatInt(secs, 10))
	}
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("/", key, q))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return lease.Granted, nil
	case http.StatusForbidden:
		return lease.Denied, nil
	default:
		return 0, unexpected(resp)
	}
}

// Release gives key up.
func (c *Client) Release(ctx context.Context, key string) (lease.Result, error) {
	if key == "" {
		return 0, semerrors.ErrInvalidKey
	}
	resp, err := c.do(ctx, http.MethodDelete, c.endpoint("/", key, nil))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return lease.Released, nil
	case http.StatusNotFound:
		return lease.NotHeld, nil
	default:
		return 0, unexpected(resp)
	}
}

// Inspect returns the stored entry for key. The boolean is false when the
// server has no entry.
func (c *Client) Inspect(ctx context.Context, key string) (httpapi.LeaseStatus, bool, error) {
	if key == "" {
		return httpapi.LeaseStatus{}, false, semerrors.ErrInvalidKey
	}
	resp, err := c.do(ctx, http.MethodGet, c.endpoint(httpapi.LeasesPath, key, nil))
	if err != nil {
		return httpapi.LeaseStatus{}, false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var st httpapi.LeaseStatus
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return httpapi.LeaseStatus{}, false, fmt.Errorf("decode lease status: %w", err)
		}
		return st, true, nil
	case http.StatusNotFound:
		return httpapi.LeaseStatus{}, false, nil
	default:
		return httpapi.LeaseStatus{}, false, unexpected(resp)
	}
}

// Package transport is the HTTP caller shared by the proxied storage backend
// and the remote registry client.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/starford/opsml/internal/apperr"
)

// ProdTokenHeader carries the write-authorization token.
const ProdTokenHeader = "X-Prod-Token"

// Config configures a Caller.
type Config struct {
	BaseURL   string
	Username  string
	Password  string
	Token     string
	ProdToken string
	Timeout   time.Duration

	MaxRetries      uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Caller issues authenticated requests against a registry server.
type Caller struct {
	cfg    Config
	base   *url.URL
	client *http.Client
	log    *slog.Logger
}

// Option customises a Caller.
type Option func(*Caller)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Caller) { c.client = hc }
}

// WithLogger sets the logger used for retry notices.
func WithLogger(l *slog.Logger) Option {
	return func(c *Caller) { c.log = l }
}

// New parses cfg.BaseURL and fills in retry defaults.
func New(cfg Config, opts ...Option) (*Caller, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("transport: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	c := &Caller{
		cfg:    cfg,
		base:   u,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL returns the server root.
func (c *Caller) BaseURL() string { return c.base.String() }

// Request describes one call. Body is invoked once per attempt so streaming
// bodies can be reopened.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   func() (io.Reader, error)
	// NoRetry disables retries for bodies that cannot be replayed.
	NoRetry bool
}

// Do sends req, retrying transport failures and 502/503/504/429 responses
// with exponential backoff. A non-2xx response is decoded into an error
// carrying the matching apperr sentinel. On success the caller owns the body.
func (c *Caller) Do(ctx context.Context, req Request) (*http.Response, error) {
	op := func() (*http.Response, error) {
		hreq, err := c.build(ctx, req)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := c.client.Do(hreq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, fmt.Errorf("%w: %s %s: %v", apperr.ErrBackendUnavailable, req.Method, req.Path, err)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		err = decodeError(resp)
		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: %w", apperr.ErrBackendUnavailable, err)
		}
		return nil, backoff.Permanent(err)
	}

	tries := c.cfg.MaxRetries
	if req.NoRetry {
		tries = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.InitialInterval
	eb.MaxInterval = c.cfg.MaxInterval
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.log.Warn("registry call failed, retrying",
				slog.String("path", req.Path),
				slog.Duration("backoff", d),
				slog.String("error", err.Error()))
		}),
	)
}

func (c *Caller) build(ctx context.Context, req Request) (*http.Request, error) {
	u := *c.base
	u.Path = c.base.Path + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}
	var body io.Reader
	if req.Body != nil {
		b, err := req.Body()
		if err != nil {
			return nil, err
		}
		body = b
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hreq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	switch {
	case c.cfg.Token != "":
		hreq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	case c.cfg.Username != "":
		hreq.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	if c.cfg.ProdToken != "" {
		hreq.Header.Set(ProdTokenHeader, c.cfg.ProdToken)
	}
	return hreq, nil
}

// PostJSON posts in as JSON and decodes the response into out (if non-nil).
func (c *Caller) PostJSON(ctx context.Context, path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", path, err)
	}
	resp, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   path,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   func() (io.Reader, error) { return bytes.NewReader(raw), nil },
	})
	if err != nil {
		return err
	}
	return decodeBody(resp, path, out)
}

// GetJSON issues a GET and decodes the response into out.
func (c *Caller) GetJSON(ctx context.Context, path string, q url.Values, out any) error {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: q})
	if err != nil {
		return err
	}
	return decodeBody(resp, path, out)
}

func decodeBody(resp *http.Response, path string, out any) error {
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("transport: decode %s: %w", path, err)
	}
	return nil
}

// ErrorBody is the JSON error document written by the server.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// decodeError turns a non-2xx response into an error wrapping the sentinel
// named by the body's code, falling back to the status code.
func decodeError(resp *http.Response) error {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body ErrorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
		if body.Error == "" {
			body.Error = resp.Status
		}
	}
	sentinel := apperr.FromCode(body.Code)
	if sentinel == nil {
		sentinel = fromStatus(resp.StatusCode)
	}
	if sentinel == nil {
		return fmt.Errorf("registry returned %d: %s", resp.StatusCode, body.Error)
	}
	msg := strings.TrimPrefix(body.Error, sentinel.Error()+": ")
	return fmt.Errorf("%w: %s", sentinel, msg)
}

func fromStatus(status int) error {
	switch status {
	case http.StatusBadRequest:
		return apperr.ErrInvalidCard
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.ErrUnauthorized
	case http.StatusNotFound:
		return apperr.ErrNotFound
	case http.StatusConflict:
		return apperr.ErrVersion
	case http.StatusNotImplemented:
		return apperr.ErrUnsupportedByBackend
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return apperr.ErrBackendUnavailable
	}
	return nil
}

// IsNotFound reports whether err carries apperr.ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, apperr.ErrNotFound)
}

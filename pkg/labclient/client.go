// Package labclient is a REST client for the LearnLab backend's run and
// auth endpoints.
package labclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TokenSource yields the bearer token for authenticated calls. It is read on
// every request; implementations must not cache across logins.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken returns a TokenSource that always yields tok.
func StaticToken(tok string) TokenSource {
	return TokenFunc(func(context.Context) (string, error) { return tok, nil })
}

// Config holds client settings.
type Config struct {
	// BaseURL is the API root including the /api prefix.
	BaseURL string

	// Timeout bounds each HTTP request. File downloads are bounded only by
	// their context once headers arrive; Timeout then limits the wait for
	// response headers. Zero uses DefaultConfig's value.
	Timeout time.Duration

	// RateLimit caps requests per second. Zero or negative disables limiting.
	RateLimit float64

	// UserAgent is sent on every request when non-empty.
	UserAgent string
}

// DefaultConfig returns the settings used for a local backend.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "http://localhost:5000/api",
		Timeout:   30 * time.Second,
		RateLimit: 10,
	}
}

// Client talks to the LearnLab REST API. It is safe for concurrent use.
type Client struct {
	base      *url.URL
	http      *http.Client
	download  *http.Client
	tokens    TokenSource
	limiter   *rate.Limiter
	userAgent string
	logger    *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Downloads use a copy
// without its overall Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client. tokens may be nil for unauthenticated use (Login).
func New(cfg Config, tokens TokenSource, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid api base url %q: scheme must be http or https", cfg.BaseURL)
	}

	c := &Client{
		base:      base,
		http:      &http.Client{Timeout: cfg.Timeout},
		tokens:    tokens,
		userAgent: cfg.UserAgent,
		logger:    zap.NewNop(),
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.download = downloadClient(c.http, cfg.Timeout)
	return c, nil
}

// downloadClient derives a client for streaming bodies from hc. http.Client's
// Timeout covers reading the body, which would cut off large files that are
// still arriving, so the header wait is bounded on the transport instead.
func downloadClient(hc *http.Client, headerTimeout time.Duration) *http.Client {
	dc := *hc
	dc.Timeout = 0

	var base *http.Transport
	switch t := hc.Transport.(type) {
	case nil:
		base = http.DefaultTransport.(*http.Transport)
	case *http.Transport:
		base = t
	default:
		return &dc
	}
	tr := base.Clone()
	tr.ResponseHeaderTimeout = headerTimeout
	dc.Transport = tr
	return &dc
}

// BaseURL returns the API root the client targets.
func (c *Client) BaseURL() string {
	return c.base.String()
}

type request struct {
	op     string
	runID  string
	method string
	path   string
	body   any
	auth   bool
	stream bool
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// send performs the request and returns the response for a 2xx status.
// Non-2xx responses are drained, closed and returned as *APIError.
func (c *Client) send(ctx context.Context, r request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &APIError{Op: r.op, RunID: r.runID, Err: err}
		}
	}

	var body io.Reader
	if r.body != nil {
		payload, err := json.Marshal(r.body)
		if err != nil {
			return nil, &APIError{Op: r.op, RunID: r.runID, Err: fmt.Errorf("encode request: %w", err)}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.endpoint(r.path), body)
	if err != nil {
		return nil, &APIError{Op: r.op, RunID: r.runID, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if r.auth {
		if err := c.authorize(ctx, req); err != nil {
			return nil, &APIError{Op: r.op, RunID: r.runID, Err: err}
		}
	}

	c.logger.Debug("api request",
		zap.String("op", r.op),
		zap.String("method", r.method),
		zap.String("path", r.path))

	hc := c.http
	if r.stream {
		hc = c.download
	}
	resp, err := hc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &APIError{Op: r.op, RunID: r.runID, Err: ctxErr}
		}
		return nil, &APIError{Op: r.op, RunID: r.runID, Message: err.Error(), Err: ErrUnavailable}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	apiErr := &APIError{
		Op:         r.op,
		RunID:      r.runID,
		StatusCode: resp.StatusCode,
		Message:    errorMessage(resp.Body),
		Err:        classifyStatus(resp.StatusCode),
	}
	c.logger.Debug("api error",
		zap.String("op", r.op),
		zap.Int("status", resp.StatusCode),
		zap.String("msg", apiErr.Message))
	return nil, apiErr
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.tokens == nil {
		return ErrUnauthorized
	}
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if strings.TrimSpace(tok) == "" {
		return ErrUnauthorized
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// do sends r and decodes a JSON response into out (when non-nil).
func (c *Client) do(ctx context.Context, r request, out any) error {
	resp, err := c.send(ctx, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Op: r.op, RunID: r.runID, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// errorMessage extracts "msg" (or "error") from a JSON error body, falling
// back to the trimmed body text.
func errorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var payload struct {
		Msg   string `json:"msg"`
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		if payload.Msg != "" {
			return payload.Msg
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

// AsAPIError returns the *APIError in err's chain, if any.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// Package remote talks to the wizard-tracker sync server. It implements
// reconcile.Remote with retries, backoff, rate limiting and a circuit breaker,
// so an unreachable server degrades into "offline" instead of blocking sync.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/jkrumboe/wizard-tracker-sub006/internal/httpclient"
)

// maxBody bounds how much of a response is read.
const maxBody = 8 << 20

// Config holds client configuration.
type Config struct {
	// BaseURL is the sync server root, e.g. https://wizard.example.com.
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string

	// MaxRetries is the number of retries after the first attempt (default: 3).
	MaxRetries     int
	InitialBackoff time.Duration // default: 500ms
	MaxBackoff     time.Duration // default: 10s

	// RequestsPerSecond limits outbound requests. Zero disables the limit.
	RequestsPerSecond float64

	// Breaker is nil to disable circuit breaking.
	Breaker *BreakerConfig

	HTTP httpclient.ClientConfig
}

// DefaultConfig returns the default client configuration for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Breaker: &BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Cooldown:         30 * time.Second,
		},
		HTTP: httpclient.DefaultConfig(),
	}
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client built from Config.HTTP.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithClock replaces time.Now for the circuit breaker.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	now     func() time.Time
	limiter *rate.Limiter
	breaker *breaker
}

// New creates a client for cfg.BaseURL.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("sync server base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(10*time.Second, cfg.InitialBackoff)
	}

	c := &Client{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httpclient.New(cfg.HTTP)
	}
	if cfg.RequestsPerSecond > 0 {
		burst := max(1, int(cfg.RequestsPerSecond))
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	if cfg.Breaker != nil {
		c.breaker = newBreaker(*cfg.Breaker, c.now)
	}
	return c, nil
}

// BaseURL returns the server root.
func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

// CircuitState returns "closed", "open" or "half-open", or "disabled"
// without a breaker.
func (c *Client) CircuitState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.current().String()
}

type request struct {
	method  string
	path    string
	body    any
	headers map[string]string
}

// do sends req, retrying network errors and transient statuses. Any status
// outside 2xx is returned as *Error.
func (c *Client) do(ctx context.Context, req request) ([]byte, error) {
	if c.breaker != nil && !c.breaker.allow() {
		return nil, ErrCircuitOpen
	}

	var payload []byte
	if req.body != nil {
		var err error
		if payload, err = json.Marshal(req.body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := b.NextBackOff()
			var re *Error
			if errors.As(lastErr, &re) && re.retryAfter > wait {
				wait = min(re.retryAfter, c.cfg.MaxBackoff)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		status, header, body, err := c.send(ctx, req, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.failed()
			lastErr = err
			slog.Debug("sync request failed", "method", req.method, "path", req.path, "attempt", attempt+1, "error", err)
			continue
		}

		switch {
		case status >= 200 && status < 300:
			if c.breaker != nil {
				c.breaker.success()
			}
			return body, nil
		case retryable(status):
			c.failed()
			re := parseError(status, body)
			re.retryAfter = parseRetryAfter(header.Get("Retry-After"))
			lastErr = re
			slog.Debug("sync request will be retried", "method", req.method, "path", req.path, "status", status, "attempt", attempt+1)
			continue
		default:
			if status >= 500 {
				c.failed()
			} else if c.breaker != nil {
				c.breaker.success()
			}
			re := parseError(status, body)
			re.body = body
			return nil, re
		}
	}
	return nil, fmt.Errorf("%s %s: giving up after %d attempts: %w", req.method, req.path, c.cfg.MaxRetries+1, lastErr)
}

func (c *Client) failed() {
	if c.breaker != nil {
		c.breaker.failure()
	}
}

func (c *Client) send(ctx context.Context, req request, payload []byte) (int, http.Header, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.cfg.BaseURL+req.path, body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, resp.Header, data, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

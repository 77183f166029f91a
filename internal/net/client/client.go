// Package client is the outbound HTTP client shared by every source adapter:
// per-host rate limiting, a per-source circuit breaker and bounded retries on
// transport failures and 5xx responses. 4xx responses are never retried.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/derivflow/internal/net/ratelimit"
)

const (
	defaultUserAgent = "derivflow/1.0"
	maxErrorBody     = 512
)

// Config configures a Client for one upstream source.
type Config struct {
	Source      string
	BaseURL     string
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	UserAgent   string
	Headers     map[string]string

	// Breaker trips after this many consecutive failures; zero disables the breaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Client issues JSON requests against one source's base URL.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	limiter *ratelimit.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger used for retry and breaker events.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New builds a Client. limiter may be nil.
func New(cfg Config, limiter *ratelimit.Limiter, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%s: parse base url: %w", cfg.Source, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%s: base url %q must be absolute", cfg.Source, cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	c := &Client{
		cfg:     cfg,
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("source", cfg.Source).Logger()

	if cfg.BreakerFailures > 0 {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    cfg.Source,
			Timeout: cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			// Client errors say nothing about upstream health.
			IsSuccessful: func(err error) bool {
				var he *HTTPError
				if errors.As(err, &he) {
					return he.Status < 500
				}
				return err == nil
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
			},
		})
	}
	return c, nil
}

// Source returns the configured source name.
func (c *Client) Source() string { return c.cfg.Source }

// BaseURL returns the parsed base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// GetJSON issues a GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.Do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	return c.decode(body, out)
}

// PostJSON issues a POST with a JSON body and decodes the JSON response into out.
func (c *Client) PostJSON(ctx context.Context, path string, payload, out any) error {
	body, err := c.Do(ctx, http.MethodPost, path, nil, payload)
	if err != nil {
		return err
	}
	return c.decode(body, out)
}

func (c *Client) decode(body []byte, out any) error {
	if out == nil {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw = body
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.cfg.Source, err)
	}
	return nil
}

// Do performs the request with retries and returns the raw 2xx body.
// Non-2xx responses are returned as *HTTPError.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	var encoded []byte
	if payload != nil {
		var err error
		if encoded, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", c.cfg.Source, err)
		}
	}
	target := c.resolve(path, query)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			c.logger.Debug().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Str("url", target).
				Err(lastErr).
				Msg("Retrying request")

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		body, err := c.attempt(ctx, method, target, encoded)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.base.Host); err != nil {
			return nil, fmt.Errorf("%s: rate limit wait: %w", c.cfg.Source, err)
		}
	}
	if c.breaker == nil {
		return c.roundTrip(ctx, method, target, payload)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, method, target, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: %w", c.cfg.Source, err)
		}
		return nil, err
	}
	return out.([]byte), nil
}

func (c *Client) roundTrip(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.cfg.Source, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %s %s: %w", c.cfg.Source, method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", c.cfg.Source, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &HTTPError{Source: c.cfg.Source, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *Client) resolve(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase << uint(attempt-1)
	if d <= 0 || d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	// up to 10% jitter
	return d + time.Duration(rand.Float64()*0.1*float64(d))
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status >= 500
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

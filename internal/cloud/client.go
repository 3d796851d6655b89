// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jeranaias/rigrun-adapter/internal/config"
	"github.com/jeranaias/rigrun-adapter/internal/event"
	"github.com/jeranaias/rigrun-adapter/internal/logging"
	"github.com/jeranaias/rigrun-adapter/internal/security"
)

// Configuration constants for the transport.
const (
	// DefaultTimeout is the default per-attempt timeout.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the default number of retries after the first attempt.
	DefaultMaxRetries = 3

	// DefaultBudgetWindow is the length of a rate budget window.
	DefaultBudgetWindow = time.Minute

	// MaxResponseSize is the maximum allowed response body size.
	// SECURITY: Response size limit prevents memory exhaustion attacks.
	MaxResponseSize = 10 * 1024 * 1024

	// SessionCookieName carries the session token in authenticated mode.
	SessionCookieName = "__Secure-next-auth.session-token"

	userAgent = "rigrun-adapter/1.0"
)

// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		// No client timeout: each attempt carries its own context deadline.
	}
}

// =============================================================================
// TYPES
// =============================================================================

// Options are the transport settings derived from configuration.
type Options struct {
	BaseURL           string
	Mode              config.Mode
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerMinute int

	// BudgetWindow defaults to DefaultBudgetWindow.
	BudgetWindow time.Duration
}

// OptionsFromConfig maps a config onto transport options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL:           cfg.BaseURL,
		Mode:              cfg.Mode,
		Timeout:           cfg.Timeout(),
		MaxRetries:        cfg.Retry.Count,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
	}
}

func (o Options) normalized() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RequestsPerMinute <= 0 {
		o.RequestsPerMinute = config.DefaultRequestsPerMinute
	}
	if o.BudgetWindow <= 0 {
		o.BudgetWindow = DefaultBudgetWindow
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	return o
}

// Credentials are the secrets attached to each request.
type Credentials struct {
	APIKey       string
	AccessToken  string
	SessionToken string
}

// RequestSpec describes one logical request.
type RequestSpec struct {
	Method string
	Path   string

	// Body is sent as JSON. []byte and json.RawMessage are sent as is.
	Body  any
	Query url.Values

	// Timeout overrides the per-attempt timeout.
	Timeout time.Duration

	// NoRetry performs exactly one attempt.
	NoRetry bool
}

// Result is a successful response.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into v.
func (r *Result) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logging.OrNop(l)
	}
}

// WithCredentials sets the initial credentials.
func WithCredentials(creds Credentials) Option {
	return func(c *Client) { c.creds = creds }
}

// WithSleeper replaces the wait used for backoff and rate limiting.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) { c.sleep = s }
}

// WithClock replaces the clock used for budget windows.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithJitter replaces the backoff jitter source.
func WithJitter(j func() time.Duration) Option {
	return func(c *Client) { c.jitter = j }
}

// =============================================================================
// CLIENT
// =============================================================================

// Client sends requests to the provider. It injects credentials, spends and
// refreshes the rate budget, and retries transient failures. Safe for
// concurrent use; no lock is held across a network call or a sleep.
type Client struct {
	http   *http.Client
	logger *zap.Logger
	hub    *event.Hub
	sleep  Sleeper
	now    func() time.Time
	jitter func() time.Duration

	budget *budget

	mu           sync.RWMutex
	opts         Options
	creds        Credentials
	limiter      *rate.Limiter
	limitedUntil time.Time
}

// New creates a client.
func New(opts Options, options ...Option) *Client {
	opts = opts.normalized()
	c := &Client{
		http:   newHTTPClient(),
		logger: zap.NewNop(),
		hub:    event.NewHub("transport"),
		sleep:  sleepContext,
		now:    time.Now,
		jitter: func() time.Duration { return time.Duration(rand.Int63n(int64(MaxJitter))) },
		budget: newBudget(opts.RequestsPerMinute, opts.BudgetWindow),
		opts:   opts,
	}
	c.limiter = newLimiter(opts.RequestsPerMinute)
	for _, o := range options {
		o(c)
	}
	return c
}

func newLimiter(rpm int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Subscribe registers o for transport events.
func (c *Client) Subscribe(o event.Observer) func() {
	return c.hub.Subscribe(o)
}

// SetCredentials replaces the credentials used by subsequent requests.
func (c *Client) SetCredentials(creds Credentials) {
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	c.logger.Debug("transport credentials updated",
		zap.String("api_key", security.Fingerprint(creds.APIKey)),
		zap.Bool("session_token", creds.SessionToken != ""))
}

// Reconfigure applies new options. The current budget window is kept.
func (c *Client) Reconfigure(opts Options) {
	opts = opts.normalized()
	c.mu.Lock()
	prev := c.opts
	c.opts = opts
	if prev.RequestsPerMinute != opts.RequestsPerMinute {
		c.limiter = newLimiter(opts.RequestsPerMinute)
	}
	c.mu.Unlock()
	c.budget.setLimit(opts.RequestsPerMinute, opts.BudgetWindow)
}

// Options returns the current options.
func (c *Client) Options() Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts
}

// Budget returns a snapshot of the rate budget.
func (c *Client) Budget() RateBudget {
	return c.budget.snapshot()
}

// RateLimited reports whether requests are currently held back, either by a
// 429 wait hint or by an exhausted budget.
func (c *Client) RateLimited() bool {
	now := c.now()
	c.mu.RLock()
	until := c.limitedUntil
	c.mu.RUnlock()
	return now.Before(until) || c.budget.exhausted(now)
}

// =============================================================================
// CLOUD: Retry Logic with Exponential Backoff
// =============================================================================

// Do performs spec with rate limiting and retries.
//
// 429 responses wait for the server's Retry-After hint; 5xx and network
// failures back off exponentially with jitter; other 4xx fail immediately with
// an *APIError. When every attempt fails the error wraps ErrRetriesExhausted
// and the last failure.
func (c *Client) Do(ctx context.Context, spec RequestSpec) (*Result, error) {
	opts := c.Options()
	attempts := opts.MaxRetries + 1
	if spec.NoRetry {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := c.acquire(ctx); err != nil {
			return nil, err
		}

		res, err := c.attempt(ctx, spec, opts)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var delay time.Duration
		var apiErr *APIError
		switch {
		case errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests:
			delay = apiErr.RetryAfter
			c.markLimited(delay)
			c.logger.Warn("rate limited by server",
				zap.String("path", spec.Path),
				zap.Duration("retry_after", delay))
			c.hub.Emit(event.RateLimitExceeded, map[string]any{
				"path":           spec.Path,
				"retry_after_ms": delay.Milliseconds(),
			})
		case apiErr != nil && apiErr.Status >= 500:
			delay = Backoff(attempt) + c.jitter()
		case apiErr != nil:
			return nil, err
		case isTransient(err):
			delay = Backoff(attempt) + c.jitter()
		default:
			return nil, err
		}

		if attempt+1 >= attempts {
			break
		}

		c.logger.Debug("retrying request",
			zap.String("path", spec.Path),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		c.hub.Emit(event.RequestRetry, map[string]any{
			"path":     spec.Path,
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
		})
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	if attempts == 1 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

// acquire waits until the budget and the pacing limiter allow a request.
func (c *Client) acquire(ctx context.Context) error {
	for {
		wait := c.budget.reserve(c.now())
		if wait <= 0 {
			break
		}
		c.logger.Info("rate budget exhausted, waiting", zap.Duration("wait", wait))
		c.hub.Emit(event.RateLimitWait, map[string]any{"wait_ms": wait.Milliseconds()})
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}

	c.mu.RLock()
	limiter := c.limiter
	c.mu.RUnlock()

	now := c.now()
	r := limiter.ReserveN(now, 1)
	if !r.OK() {
		return nil
	}
	if d := r.DelayFrom(now); d > 0 {
		if err := c.sleep(ctx, d); err != nil {
			r.CancelAt(c.now())
			return err
		}
	}
	return nil
}

func (c *Client) markLimited(d time.Duration) {
	c.mu.Lock()
	c.limitedUntil = c.now().Add(d)
	c.mu.Unlock()
}

// attempt performs a single HTTP exchange.
func (c *Client) attempt(ctx context.Context, spec RequestSpec, opts Options) (*Result, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = opts.Timeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newRequest(actx, spec, opts)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)

	// SECURITY: Clear Authorization header immediately after request to prevent logging
	req.Header.Del("Authorization")

	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	c.budget.observe(resp.Header, c.now())
	c.logger.Debug("response",
		zap.String("method", req.Method),
		zap.String("path", spec.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp.StatusCode, resp.Header, body, c.now())
	}
	return &Result{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (c *Client) newRequest(ctx context.Context, spec RequestSpec, opts Options) (*http.Request, error) {
	u := opts.BaseURL + "/" + strings.TrimLeft(spec.Path, "/")
	if len(spec.Query) > 0 {
		u += "?" + spec.Query.Encode()
	}

	var body io.Reader
	if spec.Body != nil {
		var raw []byte
		switch b := spec.Body.(type) {
		case []byte:
			raw = b
		case json.RawMessage:
			raw = b
		default:
			var err error
			if raw, err = json.Marshal(b); err != nil {
				return nil, fmt.Errorf("failed to marshal request: %w", err)
			}
		}
		body = bytes.NewReader(raw)
	}

	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, opts.Mode)
	return req, nil
}

// setHeaders attaches content headers and the credentials for mode.
func (c *Client) setHeaders(req *http.Request, mode config.Mode) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	c.mu.RLock()
	creds := c.creds
	c.mu.RUnlock()

	if mode == config.ModeAuthenticated {
		if creds.SessionToken != "" {
			req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: creds.SessionToken})
		}
		if creds.AccessToken != "" {
			req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
			return
		}
	}
	if creds.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	}
}

// readResponse reads the response body with size limits to prevent memory exhaustion.
//
// SECURITY: Response size limit prevents memory exhaustion attacks.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("failed to read response: %w: %w", ErrResponseInterrupted, err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("%w (%d bytes)", ErrResponseTooLarge, MaxResponseSize)
	}
	return body, nil
}

// isTransient reports network failures worth retrying: timeouts, refused or
// reset connections, DNS errors and bodies cut short. Cancellation is never
// transient.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrResponseInterrupted) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

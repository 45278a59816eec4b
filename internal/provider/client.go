package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// Observer receives per-request and per-split events. stats.Recorder
// implements it.
type Observer interface {
	ObserveRequest(kind string, elapsed time.Duration, err error)
	ObserveSplit()
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, time.Duration, error) {}
func (nopObserver) ObserveSplit()                               {}

// Client is a rate-limited HTTP client for the provider. It never retries:
// every failure is returned to the caller as an *HTTPError.
type Client struct {
	config      Config
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	observer    Observer
	logger      *slog.Logger
}

// NewClient creates a provider client. A nil httpClient uses a client with
// the configured timeout; a nil observer discards events.
func NewClient(config Config, httpClient *http.Client, observer Observer, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultConfig().UserAgent
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		config:      config,
		httpClient:  httpClient,
		rateLimiter: rate.NewLimiter(limit, burst),
		observer:    observer,
		logger:      logger,
	}
}

// Get performs one paced GET. redacted is the URL used in errors and logs.
func (c *Client) Get(ctx context.Context, kind, target, redacted string) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	start := time.Now()
	body, err := c.doOnce(ctx, target, redacted)
	c.observer.ObserveRequest(kind, time.Since(start), err)

	if err != nil {
		c.logger.Error("provider request failed", "kind", kind, "url", redacted, "error", err)
		return nil, err
	}
	c.logger.Debug("provider request completed", "kind", kind, "url", redacted, "bytes", len(body))
	return body, nil
}

func (c *Client) doOnce(ctx context.Context, target, redacted string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &HTTPError{URL: redacted, Err: stripURL(err)}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &HTTPError{URL: redacted, Err: stripURL(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &HTTPError{URL: redacted, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{URL: redacted, StatusCode: resp.StatusCode}
	}

	return body, nil
}

// stripURL drops the *url.Error wrapper, whose message repeats the full URL
// including the auth key.
func stripURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

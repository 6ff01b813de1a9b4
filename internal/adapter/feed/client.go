// Package feed retrieves documents from the MSC Datamart over HTTP with
// bounded retries, a shared request-rate limit and a circuit breaker.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	sharedretry "github.com/couchcryptid/storm-data-shared/retry"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/citypage-fetcher/internal/config"
	"github.com/couchcryptid/citypage-fetcher/internal/domain"
	"github.com/couchcryptid/citypage-fetcher/internal/observability"
)

// maxBodyBytes bounds a single document. Citypage files are ~30 KB and the
// station directory is under 1 MB.
const maxBodyBytes = 16 << 20

// Options controls retrieval behaviour.
type Options struct {
	BaseURL          string
	SiteListURL      string
	Timeout          time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	Backoff          string
	MaxBackoff       time.Duration
	ThrottleDelay    time.Duration
	RequestDelay     time.Duration
	BreakerThreshold int
	UserAgent        string
}

// OptionsFromConfig maps service configuration onto client options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL:          cfg.FeedBaseURL,
		SiteListURL:      cfg.SiteListURL,
		Timeout:          cfg.RequestTimeout,
		MaxRetries:       cfg.MaxRetries,
		RetryDelay:       cfg.RetryDelay,
		Backoff:          cfg.RetryBackoff,
		MaxBackoff:       30 * time.Second,
		ThrottleDelay:    cfg.ThrottleDelay,
		RequestDelay:     cfg.RequestDelay,
		BreakerThreshold: cfg.FeedBreakerThreshold,
		UserAgent:        "citypage-fetcher",
	}
}

// Client fetches remote documents. It is safe for concurrent use; the rate
// limiter and breaker are shared by every caller.
type Client struct {
	opts       Options
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker // nil when disabled
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates a feed client.
func NewClient(opts Options, metrics *observability.Metrics, logger *slog.Logger) *Client {
	c := &Client{
		opts:       opts,
		httpClient: &http.Client{},
		limiter:    newLimiter(opts.RequestDelay),
		metrics:    metrics,
		logger:     logger,
	}
	if opts.BreakerThreshold > 0 {
		threshold := uint32(opts.BreakerThreshold)
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "citypage-feed",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// Cancellation says nothing about the remote's health.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("feed circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
				if to == gobreaker.StateOpen {
					metrics.BreakerOpen.Set(1)
				} else {
					metrics.BreakerOpen.Set(0)
				}
			},
		})
	}
	return c
}

func newLimiter(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// attemptResult is what a single HTTP round trip produced.
type attemptResult struct {
	body       []byte
	status     int
	retryAfter time.Duration
}

// transientError marks an attempt failure the breaker must count.
type transientError struct {
	status     int
	retryAfter time.Duration
	err        error
}

func (e *transientError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("status %d", e.status)
	}
	return e.err.Error()
}

func (e *transientError) Unwrap() error { return e.err }

// SiteList fetches the station directory document.
func (c *Client) SiteList(ctx context.Context) ([]byte, error) {
	return c.Fetch(ctx, c.opts.SiteListURL)
}

// Fetch performs one logical retrieval: up to MaxRetries+1 attempts, each
// bounded by the request timeout and preceded by a rate-limiter wait.
// Failures are returned as *domain.FetchError; cancellation returns the
// context's error.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	start := time.Now()
	defer func() { c.metrics.FetchDuration.Observe(time.Since(start).Seconds()) }()

	if err := validateURL(rawURL); err != nil {
		c.metrics.FetchAttempts.WithLabelValues("permanent").Inc()
		return nil, &domain.FetchError{Kind: domain.FailurePermanent, URL: rawURL, Err: err}
	}

	maxAttempts := c.opts.MaxRetries + 1
	delay := c.opts.RetryDelay

	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &domain.FetchError{Kind: domain.FailureTransient, URL: rawURL, Attempts: attempt - 1, Err: err}
		}

		res, err := c.execute(ctx, rawURL)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if err == nil {
			if res.status == http.StatusOK {
				c.metrics.FetchAttempts.WithLabelValues("ok").Inc()
				return res.body, nil
			}
			// Any other status that reached here is a permanent client error.
			c.metrics.FetchAttempts.WithLabelValues("permanent").Inc()
			return nil, &domain.FetchError{
				Kind:       domain.FailurePermanent,
				URL:        rawURL,
				StatusCode: res.status,
				Attempts:   attempt,
				Err:        fmt.Errorf("status %d", res.status),
			}
		}

		c.metrics.FetchAttempts.WithLabelValues("transient").Inc()
		fe := &domain.FetchError{Kind: domain.FailureTransient, URL: rawURL, Attempts: attempt, Err: err}
		var te *transientError
		if errors.As(err, &te) {
			fe.StatusCode = te.status
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fe
		}
		if attempt >= maxAttempts {
			return nil, fe
		}

		wait := delay
		if te != nil && te.status == http.StatusTooManyRequests {
			wait = max(wait, c.opts.ThrottleDelay, te.retryAfter)
		}
		c.logger.Debug("retrying fetch",
			"url", rawURL,
			"attempt", attempt,
			"reason", fe.Reason(),
			"wait", wait,
		)
		if !sharedretry.SleepWithContext(ctx, wait) {
			return nil, ctx.Err()
		}
		if c.opts.Backoff != config.BackoffFixed {
			delay = sharedretry.NextBackoff(delay, c.opts.MaxBackoff)
		}
	}
}

// execute runs one attempt, through the breaker when one is configured.
func (c *Client) execute(ctx context.Context, rawURL string) (attemptResult, error) {
	if c.breaker == nil {
		return c.roundTrip(ctx, rawURL)
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, rawURL)
	})
	if err != nil {
		return attemptResult{}, err
	}
	return out.(attemptResult), nil
}

// roundTrip performs a single GET. Only transient failures are returned as
// errors; permanent statuses come back in the result so the breaker does not
// count them.
func (c *Client) roundTrip(ctx context.Context, rawURL string) (attemptResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return attemptResult{}, &transientError{err: err}
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return attemptResult{}, ctx.Err()
		}
		return attemptResult{}, &transientError{err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			if ctx.Err() != nil {
				return attemptResult{}, ctx.Err()
			}
			return attemptResult{}, &transientError{err: fmt.Errorf("read body: %w", err)}
		}
		return attemptResult{body: body, status: resp.StatusCode}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return attemptResult{}, &transientError{
			status:     resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			err:        fmt.Errorf("status %d", resp.StatusCode),
		}
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return attemptResult{status: resp.StatusCode}, nil
	}
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("malformed url %q: need an absolute http(s) url", rawURL)
	}
	return nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

type Options struct {
	BaseURL           string // Overrides the locale-derived host
	UserAgent         string
	Timeout           time.Duration
	MaxPages          int
	PerPage           int
	RequestsPerSecond float64
	MaxAttempts       uint
	InitialInterval   time.Duration
}

func DefaultOptions() Options {
	return Options{
		UserAgent:         "Listing Comb/1.0",
		Timeout:           30 * time.Second,
		MaxPages:          1,
		PerPage:           48,
		RequestsPerSecond: 1,
		MaxAttempts:       3,
		InitialInterval:   time.Second,
	}
}

// getter performs rate limited GET requests, retried with exponential backoff
// and guarded by a circuit breaker.
type getter struct {
	name       string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	opts       Options
}

func newGetter(name string, httpClient *http.Client, opts Options) *getter {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanent(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "circuit", name, "from", from.String(), "to", to.String())
		},
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	return &getter{
		name:       name,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		breaker:    gobreaker.NewCircuitBreaker(settings),
		opts:       opts,
	}
}

func (g *getter) get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	expBackOff := backoff.NewExponentialBackOff()
	expBackOff.InitialInterval = g.opts.InitialInterval
	expBackOff.MaxInterval = 30 * time.Second

	attempt := 0
	operation := func() ([]byte, error) {
		attempt++

		if err := g.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("rate limiter error: %w", err))
		}

		result, err := g.breaker.Execute(func() (interface{}, error) {
			return g.do(ctx, url, headers)
		})
		if err == nil {
			return result.([]byte), nil
		}

		var statusErr *StatusError
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, backoff.Permanent(fmt.Errorf("%s circuit open: %w", g.name, err))
		case errors.As(err, &statusErr) && !statusErr.Retryable():
			return nil, backoff.Permanent(err)
		case errors.As(err, &statusErr) && statusErr.RetryAfter > 0:
			slog.Warn("Marketplace rate limit hit, backing off", "source", g.name, "retry_after", statusErr.RetryAfter, "attempt", attempt)
			return nil, backoff.RetryAfter(int(statusErr.RetryAfter.Seconds()))
		}

		slog.Debug("Request failed, retrying", "source", g.name, "url", url, "attempt", attempt, "error", err)
		return nil, err
	}

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackOff),
		backoff.WithMaxTries(max(g.opts.MaxAttempts, 1)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s after %d attempt(s): %w", url, attempt, err)
	}
	return data, nil
}

func (g *getter) do(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", g.opts.UserAgent)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, newStatusError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, nil
}

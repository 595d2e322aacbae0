package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

type WebhookOptions struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxAttempts       uint
	InitialInterval   time.Duration
}

// DefaultWebhookOptions matches Discord's documented webhook budget of 30
// requests per minute.
func DefaultWebhookOptions() WebhookOptions {
	return WebhookOptions{
		Timeout:           30 * time.Second,
		RequestsPerSecond: 0.5,
		Burst:             3,
		MaxAttempts:       3,
		InitialInterval:   2 * time.Second,
	}
}

// retryAfterBackOff lets a 429 response dictate the next delay.
type retryAfterBackOff struct {
	backoff.BackOff
	next time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	if b.next > 0 {
		d := b.next
		b.next = 0
		return d
	}
	return b.BackOff.NextBackOff()
}

type webhookPoster struct {
	service     string
	httpClient  *http.Client
	rateLimiter *RateLimiter
	breaker     *gobreaker.CircuitBreaker
	opts        WebhookOptions
}

func newWebhookPoster(service string, opts WebhookOptions) *webhookPoster {
	settings := gobreaker.Settings{
		Name:        service + "-webhook",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     120 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isClientError(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "circuit", name, "from", from.String(), "to", to.String())
		},
	}

	return &webhookPoster{
		service:     service,
		httpClient:  &http.Client{Timeout: opts.Timeout},
		rateLimiter: NewRateLimiter(opts.RequestsPerSecond, opts.Burst),
		breaker:     gobreaker.NewCircuitBreaker(settings),
		opts:        opts,
	}
}

// post delivers payload to url. 5xx, network errors and 429 are retried
// with exponential backoff; other 4xx responses fail immediately.
func (p *webhookPoster) post(ctx context.Context, url string, payload interface{}) error {
	requestID := uuid.New().String()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	expBackOff := backoff.NewExponentialBackOff()
	expBackOff.InitialInterval = p.opts.InitialInterval
	expBackOff.MaxInterval = 30 * time.Second
	b := &retryAfterBackOff{BackOff: expBackOff}

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++

		if err := p.rateLimiter.Allow(ctx); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("rate limiter error: %w", err))
		}

		_, err := p.breaker.Execute(func() (interface{}, error) {
			return nil, p.send(ctx, url, body)
		})
		if err == nil {
			return struct{}{}, nil
		}

		var rateLimitErr *RateLimitError
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return struct{}{}, backoff.Permanent(fmt.Errorf("%s circuit open: %w", p.service, err))
		case errors.As(err, &rateLimitErr):
			slog.Warn("Webhook rate limit hit, backing off", "service", p.service, "request_id", requestID, "retry_after", rateLimitErr.RetryAfter, "attempt", attempt)
			b.next = rateLimitErr.RetryAfter
			return struct{}{}, err
		case isClientError(err):
			return struct{}{}, backoff.Permanent(err)
		}

		slog.Warn("Webhook request failed, retrying", "service", p.service, "request_id", requestID, "attempt", attempt, "error", err)
		return struct{}{}, err
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.opts.MaxAttempts),
	)
	if err != nil {
		slog.Error("Webhook notification failed", "service", p.service, "request_id", requestID, "attempts", attempt, "error", err)
		return fmt.Errorf("%s notification failed after %d attempt(s): %w", p.service, attempt, err)
	}

	slog.Debug("Webhook notification delivered", "service", p.service, "request_id", requestID, "attempts", attempt)
	return nil
}

func (p *webhookPoster) send(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(resp.Body)
	return classifyResponse(p.service, resp, respBody)
}

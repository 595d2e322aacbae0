package notify

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

// RateLimitError is returned on HTTP 429.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (retry after %v)", e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded (retry after %v)", e.RetryAfter)
}

// ClientError is a non-retryable 4xx response.
type ClientError struct {
	StatusCode int
	Message    string
}

func (e *ClientError) Error() string {
	return e.Message
}

// ServerError is a retryable 5xx response.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return e.Message
}

func isClientError(err error) bool {
	var clientErr *ClientError
	return errors.As(err, &clientErr)
}

type webhookErrorResponse struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"` // seconds
}

// extractRetryAfter reads the wait time from a JSON body (Discord) or the
// Retry-After header (Slack), defaulting to 5s.
func extractRetryAfter(resp *http.Response, body []byte) time.Duration {
	var errResp webhookErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.RetryAfter > 0 {
		return time.Duration(errResp.RetryAfter * float64(time.Second))
	}

	if retryAfterHeader := resp.Header.Get("Retry-After"); retryAfterHeader != "" {
		if seconds, err := strconv.Atoi(retryAfterHeader); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	return 5 * time.Second
}

func classifyResponse(service string, resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{
			Message:    service + " rate limit exceeded",
			RetryAfter: extractRetryAfter(resp, body),
		}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &ClientError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("%s API client error %d: %s", service, resp.StatusCode, string(body)),
		}
	case resp.StatusCode >= 500:
		return &ServerError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("%s API server error %d: %s", service, resp.StatusCode, string(body)),
		}
	}
	return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
}

package fetcher

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// StatusError is a non-2xx response from the marketplace.
type StatusError struct {
	StatusCode int
	URL        string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d for %s", e.StatusCode, e.URL)
}

// Retryable reports whether the request may succeed when repeated.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func isPermanent(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && !statusErr.Retryable()
}

func newStatusError(resp *http.Response) *StatusError {
	statusErr := &StatusError{
		StatusCode: resp.StatusCode,
		URL:        resp.Request.URL.String(),
	}
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
			statusErr.RetryAfter = time.Duration(seconds) * time.Second
		}
	}
	return statusErr
}

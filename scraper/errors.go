package scraper

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Sentinel categories for menu page fetch failures. Callers classify
// with errors.Is and decide whether a retry is worthwhile.
var (
	ErrTimeout     = errors.New("request timed out")
	ErrConnection  = errors.New("connection failed")
	ErrForbidden   = errors.New("access forbidden")
	ErrPageMissing = errors.New("page not found")
	ErrRateLimited = errors.New("rate limited")
)

// FetchError wraps a page fetch failure with the URL and category
// needed for retry decisions and error accounting.
type FetchError struct {
	URL      string
	Category error
	Status   int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Category }

// classifyFetch maps a transport error and response status onto one of
// the sentinel categories. Unrecognized failures keep a nil category.
func classifyFetch(url string, status int, err error) *FetchError {
	fe := &FetchError{URL: url, Status: status, Err: err}

	switch status {
	case http.StatusForbidden:
		fe.Category = ErrForbidden
		return fe
	case http.StatusNotFound:
		fe.Category = ErrPageMissing
		return fe
	case http.StatusTooManyRequests:
		fe.Category = ErrRateLimited
		return fe
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		fe.Category = ErrTimeout
		return fe
	}
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "connection refused"),
			strings.Contains(msg, "no such host"),
			strings.Contains(msg, "connection reset"):
			fe.Category = ErrConnection
		case strings.Contains(msg, "timeout"),
			strings.Contains(msg, "deadline exceeded"):
			fe.Category = ErrTimeout
		}
	}
	return fe
}

// retryable reports whether a failure category is worth another attempt.
// Forbidden and missing pages are permanent; transient failures retry.
func retryable(fe *FetchError) bool {
	switch {
	case fe == nil:
		return false
	case errors.Is(fe, ErrForbidden), errors.Is(fe, ErrPageMissing):
		return false
	case errors.Is(fe, ErrTimeout), errors.Is(fe, ErrConnection), errors.Is(fe, ErrRateLimited):
		return true
	}
	return fe.Status >= 500
}

// errorLabel returns the metrics label for a failure category.
func errorLabel(fe *FetchError) string {
	switch {
	case fe == nil:
		return "unknown"
	case errors.Is(fe, ErrTimeout):
		return "timeout"
	case errors.Is(fe, ErrConnection):
		return "connection"
	case errors.Is(fe, ErrForbidden):
		return "forbidden"
	case errors.Is(fe, ErrPageMissing):
		return "not_found"
	case errors.Is(fe, ErrRateLimited):
		return "rate_limited"
	case fe.Status >= 500:
		return "server_error"
	}
	return "unknown"
}

// backoffDelay computes the exponential backoff for a retry attempt,
// capped at max. Attempt numbering starts at 1.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

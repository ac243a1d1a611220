package nutrition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/campusdining/menu-scraper/models"
)

// ErrNotFound indicates the lookup endpoint has no record for the
// recipe id. Benign: the caller receives an empty record.
var ErrNotFound = errors.New("nutrition: recipe not found")

// RateLimitError carries the server-advised wait from a 429 response.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Client fetches nutrition-label envelopes over HTTP.
type Client struct {
	http *resty.Client
	url  string
}

// NewClient builds a lookup client for the label endpoint.
func NewClient(endpoint string, timeout time.Duration, userAgent string) *Client {
	httpClient := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "application/json")
	return &Client{http: httpClient, url: endpoint}
}

// HTTPClient exposes the underlying transport owner so tests can swap
// in a mock transport.
func (c *Client) HTTPClient() *http.Client {
	return c.http.GetClient()
}

// Fetch resolves one recipe id into a nutrient record.
//
// 404 maps to ErrNotFound, 429 to RateLimitError; any other non-2xx
// status or an undecodable body is a plain fetch failure.
func (c *Client) Fetch(ctx context.Context, id int64) (models.NutritionRecord, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("RecipeNumber", strconv.FormatInt(id, 10)).
		Get(c.url)
	if err != nil {
		return nil, fmt.Errorf("lookup recipe %d: %w", id, err)
	}

	switch resp.StatusCode() {
	case http.StatusNotFound:
		return nil, fmt.Errorf("recipe %d: %w", id, ErrNotFound)
	case http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header().Get("Retry-After"))}
	}
	if resp.IsError() {
		return nil, fmt.Errorf("lookup recipe %d: unexpected status %d", id, resp.StatusCode())
	}

	var env Envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, fmt.Errorf("%w: recipe %d: %v", ErrMalformedEnvelope, id, err)
	}
	return ParseEnvelope(env)
}

// parseRetryAfter reads a seconds-valued Retry-After header. Absent or
// unparseable values yield zero, leaving the default wait to the
// scheduler.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// Package fetch performs single-shot HTTP GETs for remote context
// resources. No retries, no caching; callers layer their own policy.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Getter fetches the full body of a URL.
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Client is the default Getter backed by net/http.
type Client struct {
	client *http.Client
}

// NewClient creates a Client with the given transport timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		client: &http.Client{Timeout: timeout},
	}
}

// Get performs one GET and returns the full response body. Any non-2xx
// status is an error; callers do not distinguish 4xx from 5xx.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Schemaforge/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: HTTP status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

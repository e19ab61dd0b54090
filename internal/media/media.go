// Package media fetches random image URLs from an external endpoint.
package media

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Client resolves the configured image endpoint to a concrete image URL.
type Client struct {
	imageURL   string
	httpClient *http.Client
}

// NewClient creates a random-image client. Each fetch is a single bounded
// attempt with no retries.
func NewClient(imageURL string, timeout time.Duration) *Client {
	return &Client{
		imageURL: imageURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// RandomImageURL requests the image endpoint and returns the final URL after
// redirects. Non-2xx responses and transport errors are failures.
func (c *Client) RandomImageURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create image request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("image request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("image endpoint status %d", resp.StatusCode)
	}

	return resp.Request.URL.String(), nil
}

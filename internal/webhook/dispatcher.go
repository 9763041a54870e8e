// Package webhook dispatches outbound webhook calls and re-drives failed
// deliveries with exponential backoff.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Dispatcher performs a single webhook call. Implementations must bound the
// call with a timeout; a webhook fired synchronously from a write path may
// block that request on network I/O for at most that long.
type Dispatcher interface {
	Dispatch(ctx context.Context, url, method string, headers map[string]string, body []byte) (statusCode int, err error)
}

// HTTPDispatcher is the production Dispatcher on net/http.
type HTTPDispatcher struct {
	client *http.Client
}

// NewHTTPDispatcher creates a Dispatcher whose calls time out after the
// given duration.
func NewHTTPDispatcher(timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDispatcher{client: &http.Client{Timeout: timeout}}
}

// Dispatch performs the HTTP call and returns the response status code.
// A non-2xx status is returned as an error alongside the code.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, url, method string, headers map[string]string, body []byte) (int, error) {
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook %s %s: status %d", method, url, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

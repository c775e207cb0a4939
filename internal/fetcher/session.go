// Package fetcher downloads tiles from upstream servers through per-layer
// worker pools, writing results (including confirmed-empty markers) to the
// persistent cache.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// Session is an HTTP client bound to one upstream: it carries the layer's
// headers on every request and keeps cookies between requests, since some
// tile servers hand out session cookies on the first response.
type Session struct {
	client  *http.Client
	headers map[string]string

	// Retry policy for transport failures. HTTP error statuses are never
	// retried; they carry meaning (404 = TNE) the caller must see.
	tries   int
	delay   time.Duration
	backoff int
}

// NewSession builds a session with the given request headers.
func NewSession(headers map[string]string) *Session {
	jar, _ := cookiejar.New(nil)
	return &Session{
		client: &http.Client{
			Jar:     jar,
			Timeout: 60 * time.Second,
		},
		headers: headers,
		tries:   3,
		delay:   3 * time.Second,
		backoff: 2,
	}
}

// Get performs a GET and returns the status code and full body. Transport
// errors are retried with exponential backoff; any HTTP response, whatever
// its status, is returned as-is.
func (s *Session) Get(ctx context.Context, url string) (int, []byte, error) {
	delay := s.delay
	var lastErr error
	for attempt := 0; attempt < s.tries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			}
			delay *= time.Duration(s.backoff)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to build request: %w", err)
		}
		for k, v := range s.headers {
			req.Header.Set(k, v)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return resp.StatusCode, body, nil
	}
	return 0, nil, fmt.Errorf("request failed after %d attempts: %w", s.tries, lastErr)
}

// MergeHeaders overlays layer headers on the process-wide defaults.
func MergeHeaders(defaults, layer map[string]string) map[string]string {
	merged := make(map[string]string, len(defaults)+len(layer))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range layer {
		merged[k] = v
	}
	return merged
}

package vcs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const defaultTimeout = 10 * time.Second

// apiClient is the shared HTTP plumbing for the provider clients: one
// http.Client per resolver, a 429 retry loop, and per-provider auth headers
// applied through the authorize callback.
type apiClient struct {
	http      *http.Client
	authorize func(*http.Request)
}

func newAPIClient(timeout time.Duration, authorize func(*http.Request)) *apiClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &apiClient{
		http:      &http.Client{Timeout: timeout},
		authorize: authorize,
	}
}

// do sends an authenticated request, retrying up to three times when the
// provider rate-limits with 429.
func (c *apiClient) do(ctx context.Context, method, url string, extra http.Header) (*http.Response, error) {
	for attempt := range 3 {
		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, err
		}
		for k, vs := range extra {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if c.authorize != nil {
			c.authorize(req)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}
		resp.Body.Close()

		wait := 2 * time.Second * time.Duration(1<<attempt)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				wait = time.Duration(min(secs, 3600)) * time.Second
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("vcs: rate limited after 3 retries")
}

// getJSON fetches url and decodes the response body into out. A 404
// becomes ErrNotFound; any other non-200 status is a transport error.
func (c *apiClient) getJSON(ctx context.Context, url string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("vcs: %s returned status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("vcs: decoding %s: %w", url, err)
	}
	return nil
}

// download opens an archive stream.
func (c *apiClient) download(ctx context.Context, url string, extra http.Header) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, url, extra)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("vcs: downloading %s: status %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}

// check issues a GET and reports non-200 as an error. Used by Test.
func (c *apiClient) check(ctx context.Context, url string) error {
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vcs: %s returned status %d", url, resp.StatusCode)
	}
	return nil
}

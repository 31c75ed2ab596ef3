// Package fetch provides the network-fetch capability used by the disk cache.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jmgilman/go/errors"
	slogctx "github.com/veqryn/slog-context"
)

// Fetcher downloads the bytes behind a URL. Implementations must abort the
// transfer when ctx is cancelled.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, url string) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) { return f(ctx, url) }

// StatusError reports a response outside the 2xx range.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// HTTPFetcher fetches over HTTP(S).
type HTTPFetcher struct {
	Client    *http.Client
	UserAgent string

	// MaxBytes caps the response body. Zero means no cap.
	MaxBytes int64
}

// NewHTTPFetcher returns a fetcher with its own client and the given timeout.
func NewHTTPFetcher(timeout time.Duration, userAgent string, maxBytes int64) *HTTPFetcher {
	return &HTTPFetcher{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: userAgent,
		MaxBytes:  maxBytes,
	}
}

// Fetch performs a GET and returns the full body. Transport failures and
// non-2xx responses carry errors.CodeNetwork; a 404 carries CodeNotFound.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "invalid image URL")
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	logger := slogctx.FromCtx(ctx)
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, errors.CodeNetwork, "image request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code := errors.CodeNetwork
		if resp.StatusCode == http.StatusNotFound {
			code = errors.CodeNotFound
		}
		return nil, errors.Wrap(&StatusError{URL: url, StatusCode: resp.StatusCode}, code, "image request rejected")
	}

	body := io.Reader(resp.Body)
	if f.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, f.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, errors.CodeNetwork, "failed to read image response")
	}
	if f.MaxBytes > 0 && int64(len(data)) > f.MaxBytes {
		return nil, errors.WithContext(
			errors.Newf(errors.CodeInvalidInput, "image response exceeds %d bytes", f.MaxBytes),
			"url", url)
	}

	logger.Debug("fetched image", "url", url, "bytes", len(data), "elapsed", time.Since(start))
	return data, nil
}

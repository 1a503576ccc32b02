package source

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	appLog "luma/internal/log"
)

const maxBodyBytes = 32 << 20

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", RedactURL(e.URL), e.Code)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return retryableStatus(e.Code)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// HTTPClient performs GET requests with bounded retries on 429/5xx and
// network errors, honouring Retry-After, and transparently decodes gzip and
// brotli bodies.
type HTTPClient struct {
	Client  *http.Client
	Retries int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
	// MaxBackoff caps a single wait, including Retry-After.
	MaxBackoff time.Duration
	Header     http.Header

	sleep func(ctx context.Context, d time.Duration) error
}

func NewHTTPClient(retries int) *HTTPClient {
	return &HTTPClient{
		Client:      &http.Client{Timeout: 30 * time.Second},
		Retries:     retries,
		BackoffBase: 500 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
		Header:      make(http.Header),
	}
}

// Get fetches url and returns the decoded body.
func (c *HTTPClient) Get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.Retries; attempt++ {
		body, retryAfter, err := c.do(ctx, url, header)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if se, ok := err.(*StatusError); ok && !se.Retryable() {
			return nil, err
		}
		if attempt == c.Retries {
			break
		}
		delay := retryAfter
		if delay <= 0 {
			delay = c.BackoffBase<<attempt + time.Duration(rand.Int63n(int64(300*time.Millisecond)))
		}
		if c.MaxBackoff > 0 && delay > c.MaxBackoff {
			delay = c.MaxBackoff
		}
		appLog.Debug("http retry", "url", RedactURL(url), "attempt", attempt+1, "delay", delay, "error", err)
		if err := c.wait(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *HTTPClient) do(ctx context.Context, url string, header http.Header) ([]byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	for k, vs := range c.Header {
		req.Header[k] = vs
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	req.Header.Set("Accept-Encoding", "gzip, br")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(raw)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")), &StatusError{URL: url, Code: resp.StatusCode, Body: snippet}
	}
	body, err := DecodeBody(raw, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s body: %w", resp.Header.Get("Content-Encoding"), err)
	}
	return body, 0, nil
}

func (c *HTTPClient) wait(ctx context.Context, d time.Duration) error {
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DecodeBody undoes a Content-Encoding of gzip or br. Unknown or empty
// encodings are returned as-is.
func DecodeBody(body []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(io.LimitReader(zr, maxBodyBytes))
	case "br":
		return io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(body)), maxBodyBytes))
	default:
		return body, nil
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// RedactURL keeps scheme and host only, for logging URLs that may embed
// private tokens.
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"
	_, rest, ok := strings.Cut(u, "://")
	if !ok {
		return "...(redacted)"
	}
	host, _, _ := strings.Cut(rest, "/")
	host, _, _ = strings.Cut(host, "?")
	return u[:len(u)-len(rest)] + host + redactedSuffix
}

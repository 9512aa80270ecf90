package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MaxResponseBytes caps how much of a provider response body is read
const MaxResponseBytes = 32 << 20

// errorSnippetLen limits how much of an error body ends up in an error message
const errorSnippetLen = 256

// GetJSON performs a GET against url with the given headers and returns the body of a
// 200 response. Any other outcome is mapped to a *FetchError.
func GetJSON(ctx context.Context, client *http.Client, id ID, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		fe := NewNetworkError(id, fmt.Errorf("build request: %w", err))
		fe.Permanent = true
		return nil, fe
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewNetworkError(id, fmt.Errorf("request timed out: %w", err))
		}
		return nil, NewNetworkError(id, fmt.Errorf("http get: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return nil, NewNetworkError(id, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode == http.StatusOK {
		return body, nil
	}
	return nil, ClassifyStatus(id, resp.StatusCode, resp.Header, body, time.Now())
}

// ClassifyStatus maps a non-200 HTTP response to a *FetchError
func ClassifyStatus(id ID, status int, header http.Header, body []byte, now time.Time) *FetchError {
	cause := fmt.Errorf("unexpected status %d: %s", status, snippet(body))

	switch {
	case status == http.StatusTooManyRequests:
		hint, _ := ParseRetryAfter(header.Get("Retry-After"), now)
		return NewRateLimitError(id, hint, cause)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewAuthError(id, status, cause)
	case status >= 500 || status == http.StatusRequestTimeout:
		fe := NewNetworkError(id, cause)
		fe.StatusCode = status
		return fe
	default:
		fe := NewNetworkError(id, cause)
		fe.StatusCode = status
		fe.Permanent = true
		return fe
	}
}

// ParseRetryAfter parses a Retry-After header value given either as delay seconds or
// as an HTTP date
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > errorSnippetLen {
		s = s[:errorSnippetLen] + "..."
	}
	return s
}

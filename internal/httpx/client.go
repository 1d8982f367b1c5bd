// Package httpx holds the HTTP plumbing shared by the outbound API
// clients: pooled clients and a retrying request helper.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"time"
)

// NewClient returns a pooled client whose requests, body included, are
// bounded by timeout.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &http.Client{Timeout: timeout, Transport: newTransport(timeout)}
}

// NewStreamingClient returns a pooled client for long-lived response
// bodies: only connecting and waiting for headers are bounded.
func NewStreamingClient(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = 60 * time.Second
	}
	return &http.Client{Transport: newTransport(headerTimeout)}
}

func newTransport(headerTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// StatusError is a non-success HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth retrying.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Retrier re-sends requests that fail on the network, with 5xx or with 429.
type Retrier struct {
	Client     *http.Client
	MaxRetries int
	BaseDelay  time.Duration // backoff is BaseDelay*attempt^2 plus jitter
	Logger     *slog.Logger
}

// Do executes the request built by buildReq until it gets a response that
// is neither a server error nor rate limited. buildReq runs once per attempt
// so request bodies can be replayed.
func (r *Retrier) Do(ctx context.Context, buildReq func() (*http.Request, error)) (*http.Response, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	base := r.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt*attempt) * base
			delay += time.Duration(rand.Int64N(int64(delay/2 + 1)))
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", delay, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("request failed after %d retries: %w", r.MaxRetries, lastErr)
}

// CheckStatus turns a non-2xx response into a *StatusError, consuming and
// closing the body. A 2xx response is returned untouched.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
}

// IsStatus reports whether err wraps a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

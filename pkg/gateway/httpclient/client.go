package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// New creates an HTTP client tuned for outbound service-to-service communication.
// headerTimeout bounds the wait for response headers; the overall request
// deadline is left to the caller's context so slow bodies can be bounded separately.
func New(headerTimeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
	}

	return &http.Client{
		Transport: transport,
	}
}

// Backoff configures Retry. Attempts <= 1 disables retrying.
type Backoff struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Retry executes fn with capped exponential backoff. Errors marked Permanent
// stop immediately; errors carrying a RetryAfter hint wait for that long
// (bounded by MaxDelay) instead of the computed delay.
func Retry(ctx context.Context, b Backoff, fn func(attempt int) error) error {
	if b.Attempts <= 1 {
		return unwrapPermanent(fn(1))
	}
	if b.BaseDelay <= 0 {
		b.BaseDelay = 200 * time.Millisecond
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = 2 * time.Second
	}

	var err error
	delay := b.BaseDelay
	for i := 1; i <= b.Attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = fn(i)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return unwrapPermanent(err)
		}

		// Do not sleep after last attempt
		if i == b.Attempts {
			break
		}

		wait := delay
		var ra RetryAfterError
		if errors.As(err, &ra) && ra.RetryAfter() > 0 {
			wait = ra.RetryAfter()
		}
		if wait > b.MaxDelay {
			wait = b.MaxDelay
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > b.MaxDelay {
			delay = b.MaxDelay
		}
	}

	return err
}

// IsRetriable determines if a transport error is worth retrying.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// RetriableStatus reports whether an HTTP status should be retried:
// 429 and 5xx are, every other 4xx is not.
func RetriableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func unwrapPermanent(err error) error {
	var e permanentError
	if errors.As(err, &e) {
		return e.err
	}
	return err
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// WithRetryAfter attaches a server-provided delay hint (HTTP 429 Retry-After).
func WithRetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.after, e.err)
}
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

package retries

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"
)

const (
	DefaultAttempts  = 4
	DefaultBaseDelay = 200 * time.Millisecond

	DbAttempts  = 2
	DbBaseDelay = 100 * time.Millisecond
)

// Retry runs fn up to attempts times, sleeping with exponential backoff and
// jitter between attempts. A non-retriable error (per isRetriable) aborts
// immediately. Context cancellation aborts between attempts.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error, isRetriable func(error) bool) error {
	var err error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(baseDelay, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err = fn(); err == nil {
			return nil
		}

		if isRetriable != nil && !isRetriable(err) {
			return err
		}
	}

	return err
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	// up to 25% jitter so concurrent retries spread out
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// HTTPStatusError carries a non-2xx response status through the retry policy.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return "unexpected status " + http.StatusText(e.StatusCode) + ": " + e.Body
}

// IsRetriableHTTP treats network errors, timeouts, 5xx and 429 as transient.
func IsRetriableHTTP(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// IsRetriableDbError treats everything except context cancellation as
// transient. The embedded store surfaces busy/locked conditions as plain
// errors that clear on retry.
func IsRetriableDbError(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

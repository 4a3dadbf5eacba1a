// internal/llm/retry.go
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Doer executes HTTP requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// statusError is a non-200 reply. 429 and 5xx are retried, the rest are not.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

// postWithRetry sends the request built by newReq up to maxRetries+1 times
// with exponential backoff and returns the body of the first 200 reply.
// Each attempt is bounded by timeout when it is positive.
func postWithRetry(ctx context.Context, client Doer, newReq func(context.Context) (*http.Request, error), maxRetries int, timeout time.Duration) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(100*(1<<(attempt-1))) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrModelTimeout, ctx.Err())
			}
		}

		body, err := doOnce(ctx, client, newReq, timeout)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelTimeout, ctx.Err())
		}

		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			break
		}
	}

	if errors.Is(lastErr, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %v", ErrModelTimeout, lastErr)
	}
	return nil, fmt.Errorf("%w: %v", ErrModelCallFailed, lastErr)
}

func doOnce(ctx context.Context, client Doer, newReq func(context.Context) (*http.Request, error), timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := newReq(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		if len(body) > 256 {
			body = body[:256]
		}
		return nil, &statusError{code: resp.StatusCode, body: string(body)}
	}
	return body, nil
}

// Package sources implements rate-limited clients for external academic
// indexes and fuses their results per query.
//
// Two primary clients exist: arXiv (paced at one request per 3.5 s behind a
// process-wide semaphore) and OpenAlex (10 req/s polite pool when a contact
// email is configured). Both are invoked in parallel per query and awaited
// together. A Hugging Face daily-papers client and a URL-ingest resolver
// supplement them for trending and ad-hoc sources.
package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/DuyTa506/tiny-researcher/internal/core"
	"github.com/DuyTa506/tiny-researcher/internal/logger"
)

// Client is the capability every academic source exposes.
type Client interface {
	// Search returns raw paper records for a query. Records carry at least
	// title, authors, publication date, source id and landing URL.
	Search(ctx context.Context, query string, maxResults int) ([]core.Paper, error)

	// Name identifies the client in logs and cache keys.
	Name() string
}

// httpDoer abstracts *http.Client for tests.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	defaultHTTPTimeout = 30 * time.Second
	maxFetchAttempts   = 3
)

// fetcher wraps an HTTP client with a circuit breaker and bounded
// exponential backoff for transient failures (timeouts, 429, 5xx).
type fetcher struct {
	client    httpDoer
	breaker   *gobreaker.CircuitBreaker
	userAgent string
}

func newFetcher(name, userAgent string, client httpDoer) *fetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &fetcher{
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		userAgent: userAgent,
	}
}

// get fetches a URL, retrying transient failures up to maxFetchAttempts.
// Non-retryable statuses (4xx other than 429) fail immediately.
func (f *fetcher) get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= maxFetchAttempts; attempt++ {
		body, retryable, err := f.getOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		if attempt < maxFetchAttempts {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			logger.Warn("source fetch failed, retrying", "url", url, "attempt", attempt, "backoff", backoff.String())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (f *fetcher) getOnce(ctx context.Context, url string) (body []byte, retryable bool, err error) {
	result, err := f.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		if f.userAgent != "" {
			req.Header.Set("User-Agent", f.userAgent)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return nil, &statusError{code: resp.StatusCode, url: url}
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		if se, ok := err.(*statusError); ok {
			return nil, se.retryable(), se
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, true, fmt.Errorf("source circuit open: %w", err)
		}
		// Network-level failures (timeouts, resets) are retryable.
		return nil, true, err
	}
	return result.([]byte), false, nil
}

type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d", e.url, e.code)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

package deps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// Fetcher streams the body at url into w.
type Fetcher interface {
	Fetch(ctx context.Context, url string, w io.Writer) (int64, error)
}

// HTTPFetcher is a Fetcher guarded by a circuit breaker so a dead upstream is
// not hammered on every scheduled update check.
type HTTPFetcher struct {
	client *http.Client
	cb     *gobreaker.CircuitBreaker[int64]
}

// NewHTTPFetcher trips after three consecutive failures and probes again after
// cooldown.
func NewHTTPFetcher(timeout, cooldown time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{Timeout: timeout},
		cb: gobreaker.NewCircuitBreaker[int64](gobreaker.Settings{
			Name:        "dependency-downloads",
			MaxRequests: 1,
			Interval:    10 * time.Minute,
			Timeout:     cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
		}),
	}
}

// ErrUpstreamUnavailable is returned while the breaker is open.
var ErrUpstreamUnavailable = errors.New("dependency upstream unavailable")

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, w io.Writer) (int64, error) {
	n, err := f.cb.Execute(func() (int64, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, err
		}
		req.Header.Set("User-Agent", "markdown-web-supervisor")
		resp, err := f.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return 0, fmt.Errorf("GET %s: %s", url, resp.Status)
		}
		return io.Copy(w, resp.Body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return 0, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return n, err
}

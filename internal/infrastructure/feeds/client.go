// Package feeds wraps the three upstream data feeds (SecLend, market
// volatility, event calendar) behind one resilience stack: per-call
// deadline, bounded retry with jittered exponential backoff, a per-feed
// circuit breaker, and a typed fallback chain that never surfaces feed
// failure as an error.
package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/stocklend/borrowdesk/internal/config"
	"github.com/stocklend/borrowdesk/internal/metrics"
)

// Feed names, used for breaker identity, logging and metrics labels.
const (
	FeedSecLend    = "seclend"
	FeedVolatility = "volatility"
	FeedEvents     = "events"
)

// httpError is a non-retriable upstream rejection (any 4xx).
type httpError struct {
	status int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("upstream rejected request: status %d", e.status)
}

// client is the shared resilient HTTP caller. One instance per feed; the
// breaker state is owned here and mutated only through gobreaker's CAS path.
type client struct {
	name    string
	cfg     config.FeedConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
	sleep   func(context.Context, time.Duration) error
}

func newClient(name string, cfg config.FeedConfig, log zerolog.Logger) *client {
	c := &client{
		name: name,
		cfg:  cfg,
		http: &http.Client{
			// Per-attempt deadlines come from the request context; the
			// transport-level timeout is a backstop only.
			Timeout: cfg.Timeout + time.Second,
		},
		log:   log.With().Str("feed", name).Logger(),
		sleep: sleepCtx,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.ProbeSuccesses,
		Interval:    cfg.Cooldown,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests >= cfg.WindowSize &&
				counts.TotalFailures >= cfg.FailureThreshold {
				return true
			}
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
			c.log.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	return c
}

// getJSON performs a resilient GET against path and decodes the body into
// out. Unknown fields are ignored; transport errors, 5xx and timeouts are
// retried up to the configured attempt count, 4xx never is. When the
// breaker is open the call fails immediately without a network attempt.
func (c *client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.getWithRetry(ctx, path, query, out)
	})
	if err != nil {
		metrics.FeedRequests.WithLabelValues(c.name, "error").Inc()
		return err
	}
	metrics.FeedRequests.WithLabelValues(c.name, "success").Inc()
	return nil
}

func (c *client) getWithRetry(ctx context.Context, path string, query url.Values, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return err
			}
		}

		err := c.getOnce(ctx, path, query, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var rejection *httpError
		if errors.As(err, &rejection) {
			return err // 4xx: retrying cannot help
		}
		if ctx.Err() != nil {
			return err // request budget exhausted
		}
		c.log.Debug().Err(err).Int("attempt", attempt+1).Msg("feed call failed, retrying")
	}
	return fmt.Errorf("%s: retries exhausted: %w", c.name, lastErr)
}

func (c *client) getOnce(ctx context.Context, path string, query url.Values, out interface{}) error {
	// Deadline = min(remaining request budget, per-call timeout).
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: upstream status %d", c.name, resp.StatusCode)
	case resp.StatusCode >= 400:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &httpError{status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", c.name, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode body: %w", c.name, err)
	}
	return nil
}

// backoff computes the jittered delay before the given retry attempt.
func (c *client) backoff(attempt int) time.Duration {
	d := float64(c.cfg.BackoffBase)
	for i := 1; i < attempt; i++ {
		d *= c.cfg.BackoffFactor
	}
	if limit := float64(c.cfg.BackoffCap); d > limit {
		d = limit
	}
	// Full jitter in [d/2, d).
	return time.Duration(d/2 + rand.Float64()*d/2)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// breakerOpen reports whether err is the breaker short-circuiting.
func breakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}

// State exposes the breaker state for health reporting.
func (c *client) State() gobreaker.State {
	return c.breaker.State()
}

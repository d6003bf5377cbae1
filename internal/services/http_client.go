package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"picks-pipeline/internal/metrics"
	"picks-pipeline/internal/pkg/logger"
)

const maxResponseBytes = 4 << 20

// statusError is a non-2xx reply from an upstream JSON API.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// retryable reports whether another attempt could succeed.
func (e *statusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type clientOptions struct {
	name       string
	timeout    time.Duration
	maxRetries int
	rateLimit  float64
}

// jsonClient posts JSON to one upstream through a rate limiter, a circuit
// breaker and an exponential retry.
type jsonClient struct {
	name       string
	http       *http.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
	maxRetries int
	logger     *logger.Logger
}

func newJSONClient(opts clientOptions, log *logger.Logger) *jsonClient {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.rateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.rateLimit), max(1, int(opts.rateLimit)))
	}

	metrics.CircuitBreakerState.WithLabelValues(opts.name).Set(float64(gobreaker.StateClosed))

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Client errors say nothing about upstream health.
		IsSuccessful: func(err error) bool {
			var se *statusError
			if errors.As(err, &se) {
				return !se.retryable()
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			metrics.RecordBreakerTransition(name, from.String(), to.String(), int(to))
		},
	})

	return &jsonClient{
		name:       opts.name,
		http:       &http.Client{Timeout: opts.timeout},
		breaker:    breaker,
		limiter:    limiter,
		maxRetries: max(opts.maxRetries, 1),
		logger:     log,
	}
}

func (c *jsonClient) postJSON(ctx context.Context, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encoding %s request: %w", c.name, err))
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.do(ctx, url, headers, payload, out)
		})
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return struct{}{}, backoff.Permanent(err)
		}
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.maxRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("Upstream request failed, retrying", "service", c.name, "error", err, "retry_in", next)
		}),
	)
	return err
}

func (c *jsonClient) do(ctx context.Context, url string, headers map[string]string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading %s response: %w", c.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{StatusCode: resp.StatusCode, Body: safeTruncate(strings.TrimSpace(string(data)), 200)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decoding %s response: %w", c.name, err))
	}
	return nil
}

func (c *jsonClient) healthCheck() error {
	if c.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("%s circuit breaker is open", c.name)
	}
	return nil
}

// cleanSnippet flattens HTML fragments to text and collapses whitespace.
func cleanSnippet(s string) string {
	if strings.ContainsAny(s, "<&") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			doc.Find("script, style, noscript").Remove()
			s = doc.Text()
		}
	}
	return strings.Join(strings.Fields(s), " ")
}

// safeTruncate keeps at most length runes.
func safeTruncate(s string, length int) string {
	runes := []rune(s)
	if len(runes) <= length {
		return s
	}
	return string(runes[:length]) + "..."
}

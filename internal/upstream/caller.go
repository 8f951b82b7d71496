// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package upstream is the HTTP plumbing shared by the classification,
// tracking and response generation clients.
//
// Every call consults the rate limiter first, runs under its own timeout and
// passes through a per-service circuit breaker. A Caller never retries;
// retry policy belongs to the orchestrator.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/bcem/autoresponder/internal/ctxutil"
	"github.com/bcem/autoresponder/internal/metrics"
	"github.com/bcem/autoresponder/internal/ratelimit"
)

const maxErrorBody = 4 << 10

// Config configures a Caller.
type Config struct {
	// Service names the upstream in logs and metrics.
	Service string
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// Limiter and RouteClass select the rate limit rule. Each service counts
	// in its own window under the class. A nil Limiter disables limiting.
	Limiter    ratelimit.Limiter
	RouteClass string

	HTTPClient *http.Client

	// BreakerTimeout is how long the circuit stays open before probing.
	BreakerTimeout time.Duration
}

// Caller posts JSON to one upstream service.
type Caller struct {
	service    string
	baseURL    string
	apiKey     string
	timeout    time.Duration
	limiter    ratelimit.Limiter
	route      string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker[struct{}]
}

// NewCaller creates a Caller.
func NewCaller(cfg Config) *Caller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RouteClass == "" {
		cfg.RouteClass = ratelimit.RouteExternal
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NoopLimiter{}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	metrics.CircuitBreakerState.WithLabelValues(cfg.Service).Set(0)

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Service,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		// Opens at a 60% failure rate once at least 10 calls were seen.
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= 0.6
		},
		// Client errors say nothing about upstream health.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var ue *UpstreamError
			if errors.As(err, &ue) && ue.Code >= 400 && ue.Code < 500 && ue.Code != http.StatusTooManyRequests {
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change",
				"service", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &Caller{
		service:    cfg.Service,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		timeout:    cfg.Timeout,
		limiter:    cfg.Limiter,
		route:      ratelimit.SubRoute(cfg.RouteClass, cfg.Service),
		httpClient: cfg.HTTPClient,
		cb:         cb,
	}
}

// PostJSON sends in as JSON to path and decodes a 2xx response into out.
//
// A nil out discards the body. When notFound is non-nil and the upstream
// answers 404, notFound is called instead of returning an error.
func (c *Caller) PostJSON(ctx context.Context, identity, path string, in, out any, notFound func()) error {
	res, err := c.limiter.Check(ctx, identity, c.route)
	if err != nil {
		return fmt.Errorf("upstream: %s: rate limit check: %w", c.service, err)
	}
	if !res.Allowed {
		metrics.UpstreamRequests.WithLabelValues(c.service, "rate_limited").Inc()
		slog.Warn("upstream call rate limited",
			"service", c.service,
			"route", c.route,
			"reset_at", res.ResetAt.UTC(),
		)
		return &RateLimitedError{Route: c.route, ResetAt: res.ResetAt}
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("upstream: %s: encode request: %w", c.service, err)
	}

	start := time.Now()
	_, err = c.cb.Execute(func() (struct{}, error) {
		return struct{}{}, c.do(ctx, path, body, out, notFound)
	})
	metrics.UpstreamDuration.WithLabelValues(c.service).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.UpstreamRequests.WithLabelValues(c.service, "circuit_open").Inc()
		return &UpstreamError{Route: path, Code: http.StatusServiceUnavailable, Message: "circuit open for " + c.service}
	}

	metrics.UpstreamRequests.WithLabelValues(c.service, resultLabel(err)).Inc()
	return err
}

func (c *Caller) do(ctx context.Context, path string, body []byte, out any, notFound func()) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if rid := ctxutil.RequestIDFromContext(ctx); rid != "" {
		req.Header.Set("X-Request-ID", rid)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(ctx, callCtx, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && notFound != nil {
		notFound()
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &UpstreamError{Route: path, Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if callCtx.Err() != nil {
			return c.transportError(ctx, callCtx, path, err)
		}
		return &UpstreamError{Route: path, Code: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}
	return nil
}

// transportError distinguishes the caller's own cancellation from the
// per-call timeout and from network failures.
func (c *Caller) transportError(parent, callCtx context.Context, path string, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("upstream: %s: %w", c.service, parent.Err())
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Route: path, After: c.timeout}
	}
	return &UpstreamError{Route: path, Message: err.Error()}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsTimeout(err):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

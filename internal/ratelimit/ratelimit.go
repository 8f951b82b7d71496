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

// Package ratelimit implements fixed-window rate limiting keyed by
// (identity, route).
//
// A route is either a route class ("external") or a sub-route of one
// ("external:classifier"). Sub-routes take the Rule of their class but
// count in their own windows, so each upstream service gets the full class
// budget per identity. A Rule keyed by the sub-route itself overrides the
// class Rule.
//
// A window opens on the first request for a key and lasts Rule.Window; once
// it has elapsed the next request opens a fresh window with a zero count.
// Windows are not aligned to wall-clock boundaries.
//
// The limiter only answers; it never queues or retries. Callers translate a
// denial into a retryable failure carrying Result.ResetAt.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Route classes used across the service.
const (
	RouteExternal = "external"
	RouteWebhook  = "webhook"
	RouteAuth     = "auth"
)

// UnknownIdentity is the shared bucket for callers without a principal or
// network address.
const UnknownIdentity = "unknown"

// SubRoute names the window for name inside route class class.
func SubRoute(class, name string) string {
	if name == "" {
		return class
	}
	return class + ":" + name
}

// ClassOf returns the route class of route.
func ClassOf(route string) string {
	class, _, _ := strings.Cut(route, ":")
	return class
}

// Rule is the capacity of one route class.
type Rule struct {
	Route  string
	Limit  int
	Window time.Duration
}

// DefaultRules returns the built-in route classes.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		RouteExternal: {Route: RouteExternal, Limit: 10, Window: time.Minute},
		RouteWebhook:  {Route: RouteWebhook, Limit: 100, Window: time.Minute},
		RouteAuth:     {Route: RouteAuth, Limit: 5, Window: time.Minute},
	}
}

// Result is the outcome of a Check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// FormatHeaders returns the X-RateLimit-* response headers for r.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// RetryAfter is the wait until the window resets, at least one second.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.ResetAt.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}

// Limiter decides whether a request for (identity, route) may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	Check(ctx context.Context, identity, route string) (Result, error)
	Close() error
}

// UnknownRouteError is returned for routes with no configured Rule.
type UnknownRouteError struct {
	Route string
}

func (e *UnknownRouteError) Error() string {
	return fmt.Sprintf("ratelimit: no rule for route %q", e.Route)
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Check always allows.
func (NoopLimiter) Check(context.Context, string, string) (Result, error) {
	return Result{Allowed: true, Limit: 0, Remaining: 0}, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// ruleFor resolves the Rule for route: an exact entry wins, else the Rule
// of its class.
func ruleFor(rules map[string]Rule, route string) (Rule, error) {
	if rule, ok := rules[route]; ok {
		return rule, nil
	}
	rule, ok := rules[ClassOf(route)]
	if !ok {
		return Rule{}, &UnknownRouteError{Route: route}
	}
	return rule, nil
}

func key(identity, route string) string {
	if identity == "" {
		identity = UnknownIdentity
	}
	return route + "|" + identity
}

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

package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bcem/autoresponder/internal/ctxutil"
)

// Identity resolves the rate-limit identity of a request: the authenticated
// principal, else the caller's network address, else UnknownIdentity.
//
// X-Forwarded-For is not trusted; deploy behind a proxy that rewrites
// RemoteAddr if needed.
func Identity(r *http.Request) string {
	if p := ctxutil.PrincipalFromContext(r.Context()); p != "" {
		return "principal:" + p
	}
	if addr := r.RemoteAddr; addr != "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		if host != "" {
			return "addr:" + host
		}
	}
	return UnknownIdentity
}

// Middleware enforces the rule for route on every request. Limiter errors
// fail open.
func Middleware(limiter Limiter, route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Check(r.Context(), Identity(r), route)
			if err != nil {
				slog.Warn("rate limit check failed, allowing request", "route", route, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			for k, v := range result.FormatHeaders() {
				w.Header().Set(k, v)
			}

			if !result.Allowed {
				WriteTooManyRequests(w, r, result)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RetryAfterSeconds is the Retry-After value for result, rounded up so a
// client that honours it never retries inside the window.
func RetryAfterSeconds(result Result, now time.Time) int {
	return int(math.Ceil(result.RetryAfter(now).Seconds()))
}

// WriteTooManyRequests writes a 429 with Retry-After in the API error envelope.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, result Result) {
	now := time.Now()
	w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(result, now)))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":     "RATE_LIMITED",
			"message":  "too many requests",
			"reset_at": result.ResetAt.UTC(),
		},
		"meta": map[string]any{
			"request_id": ctxutil.RequestIDFromContext(r.Context()),
			"timestamp":  now.UTC(),
		},
	})
}

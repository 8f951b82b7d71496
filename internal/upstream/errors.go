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

package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RateLimitedError is returned without a network call when the rate limiter
// denies the request. The caller may retry after ResetAt.
type RateLimitedError struct {
	Route   string
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("upstream: rate limited on %s until %s", e.Route, e.ResetAt.UTC().Format(time.RFC3339))
}

// UpstreamError is a failed call: a non-2xx status, an unreadable response,
// an open circuit or a transport failure (Code 0).
type UpstreamError struct {
	Route   string
	Code    int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("upstream: %s: %s", e.Route, e.Message)
	}
	return fmt.Sprintf("upstream: %s returned %d: %s", e.Route, e.Code, e.Message)
}

// TimeoutError is returned when the per-call timeout elapsed.
type TimeoutError struct {
	Route string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream: %s timed out after %s", e.Route, e.After)
}

// IsRateLimited reports whether err is a rate limiter denial and returns it.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// IsTimeout reports whether err is a per-call timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsRetryable reports whether a later attempt of the same call could
// succeed: timeouts, transport failures, 5xx, 408 and 429. Rate limiter
// denials are excluded; they carry their own reset time.
func IsRetryable(err error) bool {
	if IsTimeout(err) {
		return true
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	switch {
	case ue.Code == 0:
		return true
	case ue.Code >= 500:
		return true
	case ue.Code == http.StatusRequestTimeout, ue.Code == http.StatusTooManyRequests:
		return true
	}
	return false
}

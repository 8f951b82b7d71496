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
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/autoresponder/internal/ctxutil"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, limit int, window time.Duration) (*MemoryLimiter, *testClock) {
	t.Helper()
	clk := &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	rules := map[string]Rule{
		RouteExternal: {Route: RouteExternal, Limit: limit, Window: window},
	}
	m := newMemoryLimiter(rules, clk.Now, 0)
	t.Cleanup(func() { _ = m.Close() })
	return m, clk
}

func TestMemoryLimiterBoundary(t *testing.T) {
	const n = 10
	m, clk := newTestLimiter(t, n, time.Minute)
	ctx := context.Background()

	for i := 0; i < n; i++ {
		res, err := m.Check(ctx, "principal:a", RouteExternal)
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d should be allowed", i)
		assert.Equal(t, n-i-1, res.Remaining)
	}

	res, err := m.Check(ctx, "principal:a", RouteExternal)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "the (N+1)-th call must be denied")
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, clk.Now().Add(time.Minute), res.ResetAt)

	clk.Advance(time.Minute)

	res, err = m.Check(ctx, "principal:a", RouteExternal)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, n-1, res.Remaining)
}

func TestMemoryLimiterWindowStartsAtFirstRequest(t *testing.T) {
	m, clk := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	clk.Advance(37 * time.Second)
	first, err := m.Check(ctx, "a", RouteExternal)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(time.Minute), first.ResetAt)

	_, _ = m.Check(ctx, "a", RouteExternal)
	clk.Advance(59 * time.Second)
	res, _ := m.Check(ctx, "a", RouteExternal)
	assert.False(t, res.Allowed, "window must not reset on a wall-clock minute boundary")
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	res, _ := m.Check(ctx, "a", RouteExternal)
	assert.True(t, res.Allowed)
	res, _ = m.Check(ctx, "a", RouteExternal)
	assert.False(t, res.Allowed)

	res, _ = m.Check(ctx, "b", RouteExternal)
	assert.True(t, res.Allowed)
}

func TestMemoryLimiterSubRoutesShareClassRule(t *testing.T) {
	m, _ := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()
	classifier := SubRoute(RouteExternal, "classifier")
	generator := SubRoute(RouteExternal, "generator")

	for i := 0; i < 2; i++ {
		res, err := m.Check(ctx, "principal:a", classifier)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		assert.Equal(t, 2, res.Limit)
	}
	res, err := m.Check(ctx, "principal:a", classifier)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "classifier window is exhausted")

	// A second service under the same class keeps its own budget.
	for i := 0; i < 2; i++ {
		res, err := m.Check(ctx, "principal:a", generator)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "generator call %d", i+1)
	}
}

func TestMemoryLimiterSubRouteOverride(t *testing.T) {
	rules := DefaultRules()
	rules["external:tracking"] = Rule{Route: "external:tracking", Limit: 1, Window: time.Minute}
	m := newMemoryLimiter(rules, time.Now, 0)
	defer m.Close()
	ctx := context.Background()

	res, err := m.Check(ctx, "a", "external:tracking")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Limit)
	res, _ = m.Check(ctx, "a", "external:tracking")
	assert.False(t, res.Allowed)

	res, _ = m.Check(ctx, "a", "external:generator")
	assert.Equal(t, 10, res.Limit)
}

func TestRouteHelpers(t *testing.T) {
	assert.Equal(t, "external:generator", SubRoute(RouteExternal, "generator"))
	assert.Equal(t, RouteExternal, SubRoute(RouteExternal, ""))
	assert.Equal(t, RouteExternal, ClassOf("external:generator"))
	assert.Equal(t, RouteWebhook, ClassOf(RouteWebhook))
}

func TestMemoryLimiterUnknownRoute(t *testing.T) {
	m, _ := newTestLimiter(t, 1, time.Minute)

	_, err := m.Check(context.Background(), "a", "nope")
	var ure *UnknownRouteError
	require.ErrorAs(t, err, &ure)
	assert.Equal(t, "nope", ure.Route)
}

func TestMemoryLimiterConcurrentExactCount(t *testing.T) {
	const limit = 50
	m, _ := newTestLimiter(t, limit, time.Hour)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Check(ctx, "shared", RouteExternal)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), allowed.Load())
}

func TestMemoryLimiterEvictExpired(t *testing.T) {
	m, clk := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	_, _ = m.Check(ctx, "a", RouteExternal)
	clk.Advance(2 * time.Minute)
	m.evictExpired()

	count := 0
	m.windows.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, 0, count)

	res, _ := m.Check(ctx, "a", RouteExternal)
	assert.True(t, res.Allowed)
}

func TestResultFormatHeaders(t *testing.T) {
	resetAt := time.Date(2026, 2, 5, 12, 0, 0, 0, time.UTC)
	headers := Result{Allowed: true, Limit: 100, Remaining: 42, ResetAt: resetAt}.FormatHeaders()

	assert.Equal(t, "100", headers["X-RateLimit-Limit"])
	assert.Equal(t, "42", headers["X-RateLimit-Remaining"])
	assert.Equal(t, "1770292800", headers["X-RateLimit-Reset"])
}

func TestIdentityResolution(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "addr:10.1.2.3", Identity(r))

	r = r.WithContext(ctxutil.WithPrincipal(r.Context(), "support@loja.com"))
	assert.Equal(t, "principal:support@loja.com", Identity(r))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = ""
	assert.Equal(t, UnknownIdentity, Identity(r))
}

func TestMiddlewareDeniesWith429(t *testing.T) {
	rules := map[string]Rule{RouteWebhook: {Route: RouteWebhook, Limit: 1, Window: time.Minute}}
	m := NewMemoryLimiter(rules)
	defer m.Close()

	h := Middleware(m, RouteWebhook)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhook/emails", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	// The window opened a moment ago, so a little under 60s remain.
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
}

func TestRetryAfterRoundsUp(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		resetIn time.Duration
		want    int
	}{
		{"fractional second rounds up", 59500 * time.Millisecond, 60},
		{"whole seconds unchanged", 30 * time.Second, 30},
		{"just past a second", 1001 * time.Millisecond, 2},
		{"already reset", -time.Second, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RetryAfterSeconds(Result{ResetAt: now.Add(tt.resetIn)}, now)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNoopLimiterAllows(t *testing.T) {
	var l Limiter = NoopLimiter{}
	for i := 0; i < 3; i++ {
		res, err := l.Check(context.Background(), "a", "anything")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	assert.NoError(t, l.Close())
}

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
	"sync"
	"time"

	"github.com/bcem/autoresponder/internal/metrics"
)

// window is the counter for one (identity, route) key.
type window struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	dead    bool // set by the sweeper once removed from the map
}

// MemoryLimiter is an in-process fixed-window limiter. Each key has its own
// mutex; the key map itself is a sync.Map so unrelated keys never share a
// lock on the hot path.
type MemoryLimiter struct {
	rules   map[string]Rule
	windows sync.Map // string -> *window
	now     func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter for the given route rules. A background
// goroutine drops expired windows every minute; call Close to stop it.
func NewMemoryLimiter(rules map[string]Rule) *MemoryLimiter {
	return newMemoryLimiter(rules, time.Now, time.Minute)
}

func newMemoryLimiter(rules map[string]Rule, now func() time.Time, sweep time.Duration) *MemoryLimiter {
	m := &MemoryLimiter{
		rules: rules,
		now:   now,
		done:  make(chan struct{}),
	}
	if sweep > 0 {
		go m.cleanup(sweep)
	}
	return m
}

// Check counts one request against the window for (identity, route).
func (m *MemoryLimiter) Check(_ context.Context, identity, route string) (Result, error) {
	rule, err := ruleFor(m.rules, route)
	if err != nil {
		return Result{}, err
	}

	k := key(identity, route)
	for {
		v, _ := m.windows.LoadOrStore(k, &window{})
		w := v.(*window)

		w.mu.Lock()
		if w.dead {
			// Lost a race with the sweeper; pick up the replacement.
			w.mu.Unlock()
			continue
		}
		res := m.take(w, rule)
		w.mu.Unlock()

		if !res.Allowed {
			metrics.RateLimitDenials.WithLabelValues(rule.Route).Inc()
		}
		return res, nil
	}
}

// take must be called with w.mu held.
func (m *MemoryLimiter) take(w *window, rule Rule) Result {
	now := m.now()
	if w.count == 0 || !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(rule.Window)
	}

	if w.count >= rule.Limit {
		return Result{Allowed: false, Limit: rule.Limit, Remaining: 0, ResetAt: w.resetAt}
	}
	w.count++
	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - w.count,
		ResetAt:   w.resetAt,
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *MemoryLimiter) evictExpired() {
	now := m.now()
	m.windows.Range(func(k, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		if !now.Before(w.resetAt) {
			w.dead = true
			m.windows.Delete(k)
		}
		w.mu.Unlock()
		return true
	})
}

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
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bcem/autoresponder/internal/metrics"
)

const redisKeyPrefix = "autoresponder:ratelimit:"

// RedisLimiter shares fixed windows across instances. The first INCR on a
// key sets its expiry to the window length, so the window starts at the
// first request just like MemoryLimiter.
//
// Redis failures fail open: the request is allowed and the error is logged.
type RedisLimiter struct {
	rdb   *redis.Client
	rules map[string]Rule
	now   func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(rdb *redis.Client, rules map[string]Rule) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, rules: rules, now: time.Now}
}

// Check counts one request against the window for (identity, route).
func (l *RedisLimiter) Check(ctx context.Context, identity, route string) (Result, error) {
	rule, err := ruleFor(l.rules, route)
	if err != nil {
		return Result{}, err
	}

	k := redisKeyPrefix + key(identity, route)

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		ttl = pipe.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		slog.Warn("rate limiter unavailable, allowing request",
			"route", route,
			"error", err,
		)
		return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: l.now().Add(rule.Window)}, nil
	}

	count := int(incr.Val())
	remainingTTL := ttl.Val()
	if count == 1 || remainingTTL < 0 {
		if err := l.rdb.PExpire(ctx, k, rule.Window).Err(); err != nil {
			return Result{}, fmt.Errorf("ratelimit: set window expiry: %w", err)
		}
		remainingTTL = rule.Window
	}

	res := Result{
		Limit:   rule.Limit,
		ResetAt: l.now().Add(remainingTTL),
	}
	if count > rule.Limit {
		metrics.RateLimitDenials.WithLabelValues(rule.Route).Inc()
		return res, nil
	}
	res.Allowed = true
	res.Remaining = rule.Limit - count
	return res, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (l *RedisLimiter) Close() error { return nil }

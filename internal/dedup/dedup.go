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

// Package dedup remembers which email ids were already handed to the
// pipeline, using Redis SET NX with a TTL. It keeps the inbox poller, the
// backfill tool and webhook redeliveries from processing an email twice.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a seen email id is remembered. Unread messages
	// older than this are processed again, which the orchestrator tolerates.
	DefaultTTL = 24 * time.Hour

	keyPrefix = "autoresponder:seen:"
)

// Option configures a Filter.
type Option func(*Filter)

// WithNamespace inserts ns between the key prefix and the email id, so
// separate tools keep separate memories.
func WithNamespace(ns string) Option {
	return func(f *Filter) { f.prefix = keyPrefix + ns }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(f *Filter) { f.ttl = ttl }
}

// Filter tracks which email ids have already been processed.
type Filter struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client, opts ...Option) *Filter {
	f := &Filter{
		rdb:    rdb,
		ttl:    DefaultTTL,
		prefix: keyPrefix,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// IsNew returns true if emailID has NOT been seen before. If true, the id
// is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, emailID string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, f.key(emailID), 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Forget clears emailID so the next IsNew reports it as new. Used when
// processing must be retried.
func (f *Filter) Forget(ctx context.Context, emailID string) error {
	if err := f.rdb.Del(ctx, f.key(emailID)).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}

func (f *Filter) key(emailID string) string {
	return f.prefix + emailID
}

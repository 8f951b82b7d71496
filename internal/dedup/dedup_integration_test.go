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

//go:build integration

package dedup

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/autoresponder/internal/testutil"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	c := testutil.MustStartRedis()

	opts, err := redis.ParseURL(c.URL)
	if err != nil {
		c.Terminate()
		os.Exit(1)
	}
	testRedis = redis.NewClient(opts)

	code := m.Run()
	_ = testRedis.Close()
	c.Terminate()
	os.Exit(code)
}

func TestIsNewOnlyOnce(t *testing.T) {
	ctx := context.Background()
	f := NewFilter(testRedis)

	first, err := f.IsNew(ctx, "once-1")
	require.NoError(t, err)
	second, err := f.IsNew(ctx, "once-1")
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)

	ttl, err := testRedis.TTL(ctx, "autoresponder:seen:once-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl.Seconds(), 0.0)
}

func TestNamespacesAreIndependent(t *testing.T) {
	ctx := context.Background()
	live := NewFilter(testRedis)
	backfill := NewFilter(testRedis, WithNamespace("backfill:"))

	ok, err := live.IsNew(ctx, "ns-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = backfill.IsNew(ctx, "ns-1")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := testRedis.Exists(ctx, "autoresponder:seen:backfill:ns-1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	f := NewFilter(testRedis)

	_, err := f.IsNew(ctx, "forget-1")
	require.NoError(t, err)
	require.NoError(t, f.Forget(ctx, "forget-1"))

	ok, err := f.IsNew(ctx, "forget-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

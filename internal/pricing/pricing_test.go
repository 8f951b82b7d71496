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

package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bcem/autoresponder/internal/cache"
	"github.com/bcem/autoresponder/internal/models"
)

func TestComputeDefaultPrices(t *testing.T) {
	calc := NewCalculator(nil, "gemini-2.5-flash", FixedRate(5.0))

	cost := calc.Compute(context.Background(), models.TokenUsage{
		Prompt:  1_000_000,
		Output:  200_000,
		Thought: 100_000,
	})

	assert.InDelta(t, 0.30, cost.Breakdown.InputUsd, 1e-9)
	assert.InDelta(t, 0.50, cost.Breakdown.OutputUsd, 1e-9)
	assert.InDelta(t, 0.25, cost.Breakdown.ThinkingUsd, 1e-9, "thinking tokens are billed at the output price")
	assert.InDelta(t, 1.05, cost.USD, 1e-9)
	assert.InDelta(t, 5.25, cost.BRL, 1e-9)
	assert.Equal(t, 5.0, cost.ExchangeRate)
}

func TestComputeRoundsToSixDecimals(t *testing.T) {
	calc := NewCalculator(nil, "unknown-model", FixedRate(5.5))

	cost := calc.Compute(context.Background(), models.TokenUsage{Prompt: 250, Output: 150})

	// 250/1e6*0.30 + 150/1e6*2.50 = 0.000075 + 0.000375
	assert.Equal(t, 0.00045, cost.USD)
	assert.Equal(t, 0.002475, cost.BRL)
}

func TestTableLookupNormalizesNames(t *testing.T) {
	table := Table{"custom-model": {InputPerMillion: 1, OutputPerMillion: 4}}

	p := table.Lookup("Custom_Model")
	assert.Equal(t, 1.0, p.InputPerMillion)
	assert.Equal(t, 4.0, p.ThinkingPerMillion)
}

func TestExchangeRateCachedAndFallback(t *testing.T) {
	var hits atomic.Int32
	fail := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"base": "USD", "rates": {"BRL": 5.12, "EUR": 0.9}}`))
	}))
	defer srv.Close()

	c := cache.New[float64](cache.WithSweepInterval(0))
	defer c.Close()

	p := NewExchangeRateProvider(ExchangeRateConfig{URL: srv.URL, TTL: time.Hour}, c)
	assert.Equal(t, 5.12, p.USDToBRL(context.Background()))
	assert.Equal(t, 5.12, p.USDToBRL(context.Background()))
	assert.Equal(t, int32(1), hits.Load(), "second call is served from cache")

	c.Clear()
	fail.Store(true)
	assert.Equal(t, 5.50, p.USDToBRL(context.Background()))
}

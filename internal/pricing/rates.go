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
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bcem/autoresponder/internal/cache"
)

const rateKey = "fx:USD:BRL"

// ExchangeRateConfig configures an ExchangeRateProvider.
type ExchangeRateConfig struct {
	// URL answers GET with {"rates": {"BRL": <float>}}.
	URL          string
	FallbackRate float64
	TTL          time.Duration
	HTTPClient   *http.Client
}

// ExchangeRateProvider fetches the USD to BRL rate and caches it. When the
// fetch fails it serves FallbackRate, cached for a shorter time so the
// next fetch is attempted sooner.
type ExchangeRateProvider struct {
	url        string
	fallback   float64
	ttl        time.Duration
	httpClient *http.Client
	cache      *cache.Cache[float64]
}

// NewExchangeRateProvider creates a provider that caches through c.
func NewExchangeRateProvider(cfg ExchangeRateConfig, c *cache.Cache[float64]) *ExchangeRateProvider {
	if cfg.FallbackRate <= 0 {
		cfg.FallbackRate = 5.50
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &ExchangeRateProvider{
		url:        cfg.URL,
		fallback:   cfg.FallbackRate,
		ttl:        cfg.TTL,
		httpClient: cfg.HTTPClient,
		cache:      c,
	}
}

// USDToBRL returns the cached rate, fetching it when absent.
func (p *ExchangeRateProvider) USDToBRL(ctx context.Context) float64 {
	if rate, ok := p.cache.Get(rateKey); ok {
		return rate
	}

	if p.url == "" {
		p.cache.Set(rateKey, p.fallback, p.ttl)
		return p.fallback
	}

	rate, err := p.fetch(ctx)
	if err != nil {
		slog.Warn("exchange rate fetch failed, using fallback",
			"fallback", p.fallback,
			"error", err,
		)
		p.cache.Set(rateKey, p.fallback, p.ttl/12)
		return p.fallback
	}

	slog.Info("exchange rate updated", "usd_brl", rate)
	p.cache.Set(rateKey, rate, p.ttl)
	return rate
}

func (p *ExchangeRateProvider) fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch rate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rate API returned HTTP %d", resp.StatusCode)
	}

	var body struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode rate: %w", err)
	}
	rate := body.Rates["BRL"]
	if rate <= 0 {
		return 0, fmt.Errorf("rate API returned no BRL rate")
	}
	return rate, nil
}

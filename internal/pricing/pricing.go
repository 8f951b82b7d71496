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

// Package pricing converts LLM token usage into USD and BRL costs.
package pricing

import (
	"context"
	"math"
	"strings"

	"github.com/bcem/autoresponder/internal/models"
)

// ModelPrice is a model's USD price per million tokens.
type ModelPrice struct {
	InputPerMillion    float64 `yaml:"input_per_million" json:"input_per_million"`
	OutputPerMillion   float64 `yaml:"output_per_million" json:"output_per_million"`
	ThinkingPerMillion float64 `yaml:"thinking_per_million" json:"thinking_per_million"`
}

// DefaultModel is priced when a model has no entry in the table.
const DefaultModel = "gemini-2.5-flash"

// DefaultPrice is the built-in price of DefaultModel.
var DefaultPrice = ModelPrice{
	InputPerMillion:    0.30,
	OutputPerMillion:   2.50,
	ThinkingPerMillion: 2.50,
}

// Table maps model names to prices.
type Table map[string]ModelPrice

// Lookup returns the price for model. Names are matched case-insensitively
// with underscores treated as dashes. Unknown models fall back to
// DefaultPrice. A zero thinking price is replaced by the output price.
func (t Table) Lookup(model string) ModelPrice {
	key := strings.ReplaceAll(strings.ToLower(model), "_", "-")
	p, ok := t[key]
	if !ok {
		p = DefaultPrice
	}
	if p.ThinkingPerMillion == 0 {
		p.ThinkingPerMillion = p.OutputPerMillion
	}
	return p
}

// RateProvider returns the USD to BRL exchange rate.
type RateProvider interface {
	USDToBRL(ctx context.Context) float64
}

// FixedRate is a RateProvider that always returns the same rate.
type FixedRate float64

// USDToBRL returns r.
func (r FixedRate) USDToBRL(context.Context) float64 { return float64(r) }

// Cost is the priced result of one pipeline run.
type Cost struct {
	USD          float64              `json:"cost_usd"`
	BRL          float64              `json:"cost_brl"`
	Breakdown    models.CostBreakdown `json:"breakdown"`
	ExchangeRate float64              `json:"exchange_rate"`
}

// Calculator prices token usage for one model.
type Calculator struct {
	model string
	price ModelPrice
	rates RateProvider
}

// NewCalculator creates a Calculator for model.
func NewCalculator(table Table, model string, rates RateProvider) *Calculator {
	if model == "" {
		model = DefaultModel
	}
	return &Calculator{model: model, price: table.Lookup(model), rates: rates}
}

// Model is the name of the priced model.
func (c *Calculator) Model() string { return c.model }

// Price is the resolved price of the model.
func (c *Calculator) Price() ModelPrice { return c.price }

// USDToBRL returns the rate Compute converts with.
func (c *Calculator) USDToBRL(ctx context.Context) float64 { return c.rates.USDToBRL(ctx) }

// Compute prices usage. Amounts are rounded to 6 decimal places.
func (c *Calculator) Compute(ctx context.Context, usage models.TokenUsage) Cost {
	in := perMillion(usage.Prompt, c.price.InputPerMillion)
	out := perMillion(usage.Output, c.price.OutputPerMillion)
	think := perMillion(usage.Thought, c.price.ThinkingPerMillion)
	usd := in + out + think

	rate := c.USDToBRL(ctx)

	return Cost{
		USD: round6(usd),
		BRL: round6(usd * rate),
		Breakdown: models.CostBreakdown{
			InputUsd:    round6(in),
			OutputUsd:   round6(out),
			ThinkingUsd: round6(think),
		},
		ExchangeRate: rate,
	}
}

func perMillion(tokens int, price float64) float64 {
	return float64(tokens) / 1_000_000 * price
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

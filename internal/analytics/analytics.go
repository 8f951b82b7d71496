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

// Package analytics reports on processed emails: listings, cost totals per
// period and per day, and the pricing in effect.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/bcem/autoresponder/internal/models"
	"github.com/bcem/autoresponder/internal/pricing"
	"github.com/bcem/autoresponder/internal/validation"
)

// Records reads processed email records.
type Records interface {
	List(ctx context.Context, state models.State, limit int) ([]models.ProcessedEmail, error)
	ListSince(ctx context.Context, since time.Time) ([]models.ProcessedEmail, error)
}

// Period selects the window of a cost summary.
type Period string

const (
	PeriodToday Period = "today"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodAll   Period = "all"
)

// ParsePeriod parses s, defaulting to PeriodToday when empty.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case "":
		return PeriodToday, nil
	case PeriodToday, PeriodWeek, PeriodMonth, PeriodAll:
		return p, nil
	}
	return "", validation.Fail("period", "oneof=today week month all")
}

// Limits of the list and daily reports.
const (
	DefaultListLimit = 100
	MaxListLimit     = 500
	DefaultDays      = 7
	MaxDays          = 90
)

// Service builds the reports.
type Service struct {
	records Records
	costs   *pricing.Calculator
	now     func() time.Time
}

// New creates a Service.
func New(records Records, costs *pricing.Calculator) *Service {
	return &Service{records: records, costs: costs, now: time.Now}
}

// Bucket aggregates cost over a group of records.
type Bucket struct {
	Count   int     `json:"count"`
	CostUSD float64 `json:"cost_usd"`
	CostBRL float64 `json:"cost_brl"`
}

func (b *Bucket) add(r models.ProcessedEmail) {
	b.Count++
	b.CostUSD += r.CostUsd
	b.CostBRL += r.CostBrl
}

func (b Bucket) rounded() Bucket {
	return Bucket{Count: b.Count, CostUSD: round(b.CostUSD, 6), CostBRL: round(b.CostBRL, 2)}
}

// Tokens totals token usage by kind.
type Tokens struct {
	Input    int `json:"input"`
	Output   int `json:"output"`
	Thinking int `json:"thinking"`
	Total    int `json:"total"`
}

// EmailList is a page of records with its totals.
type EmailList struct {
	Emails  []models.ProcessedEmail `json:"emails"`
	Totals  Bucket                  `json:"totals"`
	Tokens  Tokens                  `json:"tokens"`
	AvgBRL  float64                 `json:"avg_cost_per_email_brl"`
	Limit   int                     `json:"limit"`
	State   models.State            `json:"state,omitempty"`
	HasMore bool                    `json:"has_more"`
}

// Emails lists up to limit records in state, newest first. An empty state
// lists all.
func (s *Service) Emails(ctx context.Context, state models.State, limit int) (*EmailList, error) {
	if state != "" && !state.Terminal() && state != models.StateApproved {
		return nil, validation.Fail("state", "oneof=drafted approved sent failed")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		return nil, validation.Fail("limit", fmt.Sprintf("max=%d", MaxListLimit))
	}

	// One extra row tells whether another page exists.
	recs, err := s.records.List(ctx, state, limit+1)
	if err != nil {
		return nil, fmt.Errorf("analytics: list emails: %w", err)
	}
	out := &EmailList{Limit: limit, State: state, Emails: []models.ProcessedEmail{}}
	if len(recs) > limit {
		recs = recs[:limit]
		out.HasMore = true
	}

	var total Bucket
	for _, r := range recs {
		total.add(r)
		out.Tokens.add(r.TokenUsage)
	}
	out.Emails = append(out.Emails, recs...)
	out.Totals = total.rounded()
	out.AvgBRL = average(total.CostBRL, total.Count)
	return out, nil
}

// Summary is the cost report of one period.
type Summary struct {
	Period       Period            `json:"period"`
	PeriodStart  *time.Time        `json:"period_start"`
	Totals       Bucket            `json:"totals"`
	Tokens       Tokens            `json:"tokens"`
	AvgBRL       float64           `json:"avg_cost_per_email_brl"`
	AvgTokens    int               `json:"avg_tokens_per_email"`
	ByType       map[string]Bucket `json:"by_type"`
	ByUrgency    map[string]Bucket `json:"by_urgency"`
	ExchangeRate float64           `json:"current_exchange_rate"`
	GeneratedAt  time.Time         `json:"generated_at"`
}

// Summary aggregates the cost of every record processed in period.
// "today" starts at UTC midnight; "week" and "month" are the last 7 and 30
// days.
func (s *Service) Summary(ctx context.Context, period Period) (*Summary, error) {
	now := s.now().UTC()
	var start *time.Time
	switch period {
	case PeriodToday:
		t := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		start = &t
	case PeriodWeek:
		t := now.AddDate(0, 0, -7)
		start = &t
	case PeriodMonth:
		t := now.AddDate(0, 0, -30)
		start = &t
	case PeriodAll:
	default:
		return nil, validation.Fail("period", "oneof=today week month all")
	}

	var since time.Time
	if start != nil {
		since = *start
	}
	recs, err := s.records.ListSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("analytics: cost summary: %w", err)
	}

	var total Bucket
	var tokens Tokens
	byType := map[string]*Bucket{}
	byUrgency := map[string]*Bucket{}
	for _, r := range recs {
		total.add(r)
		tokens.add(r.TokenUsage)

		typ, urg := "unclassified", "unclassified"
		if r.Classification != nil {
			typ, urg = string(r.Classification.EmailType), string(r.Classification.Urgency)
		}
		bucket(byType, typ).add(r)
		bucket(byUrgency, urg).add(r)
	}

	sum := &Summary{
		Period:       period,
		PeriodStart:  start,
		Totals:       total.rounded(),
		Tokens:       tokens,
		AvgBRL:       average(total.CostBRL, total.Count),
		ByType:       roundAll(byType),
		ByUrgency:    roundAll(byUrgency),
		ExchangeRate: s.costs.USDToBRL(ctx),
		GeneratedAt:  now,
	}
	if total.Count > 0 {
		sum.AvgTokens = tokens.Total / total.Count
	}
	return sum, nil
}

// Day is the cost of one UTC calendar day.
type Day struct {
	Date    string  `json:"date"`
	Count   int     `json:"count"`
	CostUSD float64 `json:"cost_usd"`
	CostBRL float64 `json:"cost_brl"`
	Tokens  int     `json:"tokens"`
}

// DailyReport lists per-day costs oldest first. Days without records are
// omitted.
type DailyReport struct {
	Start       string  `json:"start"`
	End         string  `json:"end"`
	Days        int     `json:"days"`
	Daily       []Day   `json:"daily"`
	Totals      Bucket  `json:"totals"`
	Tokens      int     `json:"tokens"`
	DailyAvgBRL float64 `json:"daily_avg_brl"`
}

// Daily aggregates the last days days of records per UTC date.
func (s *Service) Daily(ctx context.Context, days int) (*DailyReport, error) {
	if days <= 0 {
		days = DefaultDays
	}
	if days > MaxDays {
		return nil, validation.Fail("days", fmt.Sprintf("max=%d", MaxDays))
	}

	end := s.now().UTC()
	start := end.AddDate(0, 0, -days)
	recs, err := s.records.ListSince(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("analytics: daily costs: %w", err)
	}

	byDay := map[string]*Day{}
	var total Bucket
	var tokens int
	for _, r := range recs {
		key := r.ProcessedAt.UTC().Format(time.DateOnly)
		d, ok := byDay[key]
		if !ok {
			d = &Day{Date: key}
			byDay[key] = d
		}
		d.Count++
		d.CostUSD += r.CostUsd
		d.CostBRL += r.CostBrl
		d.Tokens += totalTokens(r.TokenUsage)
		total.add(r)
		tokens += totalTokens(r.TokenUsage)
	}

	report := &DailyReport{
		Start:  start.Format(time.DateOnly),
		End:    end.Format(time.DateOnly),
		Days:   days,
		Daily:  make([]Day, 0, len(byDay)),
		Totals: total.rounded(),
		Tokens: tokens,
	}
	for _, d := range byDay {
		d.CostUSD = round(d.CostUSD, 6)
		d.CostBRL = round(d.CostBRL, 2)
		report.Daily = append(report.Daily, *d)
	}
	sort.Slice(report.Daily, func(i, j int) bool { return report.Daily[i].Date < report.Daily[j].Date })
	report.DailyAvgBRL = average(total.CostBRL, len(report.Daily))
	return report, nil
}

// ExchangeRate is the current USD to BRL rate.
type ExchangeRate struct {
	Rate         float64 `json:"exchange_rate"`
	CurrencyPair string  `json:"currency_pair"`
}

// ExchangeRate returns the rate costs are converted with.
func (s *Service) ExchangeRate(ctx context.Context) ExchangeRate {
	return ExchangeRate{Rate: s.costs.USDToBRL(ctx), CurrencyPair: "USD/BRL"}
}

// PricingInfo describes the priced model in USD and BRL per million tokens.
type PricingInfo struct {
	Model        string             `json:"model"`
	USD          pricing.ModelPrice `json:"costs_usd"`
	BRL          pricing.ModelPrice `json:"costs_brl"`
	ExchangeRate float64            `json:"exchange_rate"`
}

// Pricing returns the price of the configured model.
func (s *Service) Pricing(ctx context.Context) PricingInfo {
	rate := s.costs.USDToBRL(ctx)
	p := s.costs.Price()
	return PricingInfo{
		Model: s.costs.Model(),
		USD:   p,
		BRL: pricing.ModelPrice{
			InputPerMillion:    round(p.InputPerMillion*rate, 2),
			OutputPerMillion:   round(p.OutputPerMillion*rate, 2),
			ThinkingPerMillion: round(p.ThinkingPerMillion*rate, 2),
		},
		ExchangeRate: rate,
	}
}

// Estimate prices a hypothetical run.
func (s *Service) Estimate(ctx context.Context, usage models.TokenUsage) (pricing.Cost, error) {
	if usage.Prompt < 0 || usage.Output < 0 || usage.Thought < 0 {
		return pricing.Cost{}, validation.Fail("tokens", "min=0")
	}
	return s.costs.Compute(ctx, usage), nil
}

func (t *Tokens) add(u models.TokenUsage) {
	t.Input += u.Prompt
	t.Output += u.Output
	t.Thinking += u.Thought
	t.Total += totalTokens(u)
}

// totalTokens prefers the reported total and falls back to the parts.
func totalTokens(u models.TokenUsage) int {
	if u.Total > 0 {
		return u.Total
	}
	return u.Prompt + u.Output + u.Thought
}

func bucket(m map[string]*Bucket, k string) *Bucket {
	b, ok := m[k]
	if !ok {
		b = &Bucket{}
		m[k] = b
	}
	return b
}

func roundAll(m map[string]*Bucket) map[string]Bucket {
	out := make(map[string]Bucket, len(m))
	for k, b := range m {
		out[k] = b.rounded()
	}
	return out
}

func average(total float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return round(total/float64(n), 2)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

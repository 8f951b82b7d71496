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

package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/autoresponder/internal/models"
	"github.com/bcem/autoresponder/internal/pricing"
	"github.com/bcem/autoresponder/internal/store"
	"github.com/bcem/autoresponder/internal/validation"
)

var now = time.Date(2026, 2, 5, 15, 0, 0, 0, time.UTC)

func record(id string, at time.Time, typ models.EmailType, urg models.Urgency, usd, brl float64) models.ProcessedEmail {
	return models.ProcessedEmail{
		Email: models.Email{ID: id, From: "cliente@example.com", To: "suporte@loja.com"},
		State: models.StateDrafted,
		Classification: &models.Classification{
			EmailType: typ,
			Urgency:   urg,
		},
		TokenUsage:  models.TokenUsage{Prompt: 100, Output: 20, Thought: 5, Total: 125},
		CostUsd:     usd,
		CostBrl:     brl,
		ProcessedAt: at,
	}
}

func newTestService(t *testing.T, recs ...models.ProcessedEmail) *Service {
	t.Helper()
	repo := store.NewMemoryEmailStore()
	for _, r := range recs {
		require.NoError(t, repo.Upsert(context.Background(), r))
	}
	s := New(repo, pricing.NewCalculator(nil, pricing.DefaultModel, pricing.FixedRate(5.0)))
	s.now = func() time.Time { return now }
	return s
}

func TestSummaryToday(t *testing.T) {
	s := newTestService(t,
		record("a", now.Add(-2*time.Hour), models.EmailTypeQuestion, models.UrgencyHigh, 0.002, 0.01),
		record("b", now.Add(-time.Hour), models.EmailTypeQuestion, models.UrgencyLow, 0.004, 0.02),
		record("c", now.Add(-time.Hour), models.EmailTypeComplaint, models.UrgencyHigh, 0.008, 0.04),
		record("yesterday", now.Add(-20*time.Hour), models.EmailTypeQuestion, models.UrgencyHigh, 1, 5),
	)

	sum, err := s.Summary(context.Background(), PeriodToday)
	require.NoError(t, err)

	require.NotNil(t, sum.PeriodStart)
	assert.Equal(t, time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC), *sum.PeriodStart)
	assert.Equal(t, 3, sum.Totals.Count)
	assert.InDelta(t, 0.014, sum.Totals.CostUSD, 1e-9)
	assert.InDelta(t, 0.07, sum.Totals.CostBRL, 1e-9)
	assert.InDelta(t, 0.02, sum.AvgBRL, 1e-9)
	assert.Equal(t, Tokens{Input: 300, Output: 60, Thinking: 15, Total: 375}, sum.Tokens)
	assert.Equal(t, 125, sum.AvgTokens)
	assert.Equal(t, 2, sum.ByType[string(models.EmailTypeQuestion)].Count)
	assert.Equal(t, 1, sum.ByType[string(models.EmailTypeComplaint)].Count)
	assert.Equal(t, 2, sum.ByUrgency[string(models.UrgencyHigh)].Count)
	assert.Equal(t, 5.0, sum.ExchangeRate)
}

func TestSummaryAllIncludesUnclassified(t *testing.T) {
	failed := record("f", now.AddDate(-1, 0, 0), "", "", 0, 0)
	failed.Classification = nil
	failed.State = models.StateFailed
	s := newTestService(t, failed, record("a", now, models.EmailTypeQuestion, models.UrgencyLow, 0.001, 0.005))

	sum, err := s.Summary(context.Background(), PeriodAll)
	require.NoError(t, err)
	assert.Nil(t, sum.PeriodStart)
	assert.Equal(t, 2, sum.Totals.Count)
	assert.Equal(t, 1, sum.ByType["unclassified"].Count)
}

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("")
	require.NoError(t, err)
	assert.Equal(t, PeriodToday, p)

	p, err = ParsePeriod("month")
	require.NoError(t, err)
	assert.Equal(t, PeriodMonth, p)

	_, err = ParsePeriod("year")
	assert.True(t, validation.IsValidationError(err))
}

func TestDailyGroupsByUTCDate(t *testing.T) {
	s := newTestService(t,
		record("a", time.Date(2026, 2, 3, 23, 59, 0, 0, time.UTC), models.EmailTypeQuestion, models.UrgencyLow, 0.001, 0.005),
		record("b", time.Date(2026, 2, 4, 0, 1, 0, 0, time.UTC), models.EmailTypeQuestion, models.UrgencyLow, 0.002, 0.010),
		record("c", time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC), models.EmailTypeQuestion, models.UrgencyLow, 0.002, 0.010),
		record("old", now.AddDate(0, 0, -10), models.EmailTypeQuestion, models.UrgencyLow, 1, 5),
	)

	report, err := s.Daily(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, "2026-01-29", report.Start)
	assert.Equal(t, "2026-02-05", report.End)
	require.Len(t, report.Daily, 2)
	assert.Equal(t, Day{Date: "2026-02-03", Count: 1, CostUSD: 0.001, CostBRL: 0.01, Tokens: 125}, report.Daily[0])
	assert.Equal(t, "2026-02-04", report.Daily[1].Date)
	assert.Equal(t, 2, report.Daily[1].Count)
	assert.Equal(t, 3, report.Totals.Count)
	assert.Equal(t, 375, report.Tokens)
	assert.InDelta(t, 0.01, report.DailyAvgBRL, 1e-9)
}

func TestDailyRejectsLongRanges(t *testing.T) {
	s := newTestService(t)
	_, err := s.Daily(context.Background(), MaxDays+1)
	assert.True(t, validation.IsValidationError(err))

	report, err := s.Daily(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultDays, report.Days)
	assert.Empty(t, report.Daily)
	assert.Zero(t, report.DailyAvgBRL)
}

func TestEmailsPagesNewestFirst(t *testing.T) {
	sent := record("sent", now.Add(-3*time.Hour), models.EmailTypeQuestion, models.UrgencyLow, 0.001, 0.005)
	sent.State = models.StateSent
	s := newTestService(t,
		record("a", now.Add(-2*time.Hour), models.EmailTypeQuestion, models.UrgencyLow, 0.001, 0.005),
		record("b", now.Add(-time.Hour), models.EmailTypeQuestion, models.UrgencyLow, 0.001, 0.005),
		sent,
	)
	ctx := context.Background()

	page, err := s.Emails(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Emails, 2)
	assert.Equal(t, "b", page.Emails[0].Email.ID)
	assert.True(t, page.HasMore)
	assert.Equal(t, 2, page.Totals.Count)

	drafted, err := s.Emails(ctx, models.StateDrafted, 0)
	require.NoError(t, err)
	assert.Len(t, drafted.Emails, 2)
	assert.False(t, drafted.HasMore)
	assert.Equal(t, DefaultListLimit, drafted.Limit)

	_, err = s.Emails(ctx, models.StateClassifying, 10)
	assert.True(t, validation.IsValidationError(err), "in-flight states are never stored")
	_, err = s.Emails(ctx, "", MaxListLimit+1)
	assert.True(t, validation.IsValidationError(err))
}

type failingRecords struct{}

func (failingRecords) List(context.Context, models.State, int) ([]models.ProcessedEmail, error) {
	return nil, errors.New("db down")
}

func (failingRecords) ListSince(context.Context, time.Time) ([]models.ProcessedEmail, error) {
	return nil, errors.New("db down")
}

func TestStoreErrorsPropagate(t *testing.T) {
	s := New(failingRecords{}, pricing.NewCalculator(nil, "", pricing.FixedRate(5.0)))
	ctx := context.Background()

	_, err := s.Emails(ctx, "", 10)
	assert.ErrorContains(t, err, "db down")
	_, err = s.Summary(ctx, PeriodWeek)
	assert.ErrorContains(t, err, "db down")
	_, err = s.Daily(ctx, 7)
	assert.ErrorContains(t, err, "db down")
}

func TestPricingAndEstimate(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	info := s.Pricing(ctx)
	assert.Equal(t, pricing.DefaultModel, info.Model)
	assert.Equal(t, pricing.DefaultPrice, info.USD)
	assert.InDelta(t, 1.5, info.BRL.InputPerMillion, 1e-9)
	assert.InDelta(t, 12.5, info.BRL.OutputPerMillion, 1e-9)
	assert.Equal(t, 5.0, info.ExchangeRate)

	rate := s.ExchangeRate(ctx)
	assert.Equal(t, 5.0, rate.Rate)
	assert.Equal(t, "USD/BRL", rate.CurrencyPair)

	cost, err := s.Estimate(ctx, models.TokenUsage{Prompt: 1_000_000})
	require.NoError(t, err)
	assert.InDelta(t, 0.30, cost.USD, 1e-9)
	assert.InDelta(t, 1.50, cost.BRL, 1e-9)

	_, err = s.Estimate(ctx, models.TokenUsage{Prompt: -1})
	assert.True(t, validation.IsValidationError(err))
}

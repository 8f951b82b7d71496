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

package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bcem/autoresponder/internal/analytics"
	"github.com/bcem/autoresponder/internal/models"
	"github.com/bcem/autoresponder/internal/pricing"
	"github.com/bcem/autoresponder/internal/ratelimit"
	"github.com/bcem/autoresponder/internal/store"
)

func newReportsRouter(t *testing.T, recs ...models.ProcessedEmail) http.Handler {
	t.Helper()
	repo := store.NewMemoryEmailStore()
	for _, r := range recs {
		if err := repo.Upsert(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
	reports := analytics.New(repo, pricing.NewCalculator(nil, pricing.DefaultModel, pricing.FixedRate(5.0)))
	limiter := ratelimit.NewMemoryLimiter(ratelimit.DefaultRules())
	t.Cleanup(func() { _ = limiter.Close() })
	return NewRouter(NewHandler(&fakePipeline{}, nil).WithReports(reports), RouterConfig{
		APIKeys: map[string]string{testKey: "support-team"},
		Limiter: limiter,
	})
}

func processedAt(id string, state models.State, at time.Time, brl float64) models.ProcessedEmail {
	return models.ProcessedEmail{
		Email:       models.Email{ID: id},
		State:       state,
		CostUsd:     brl / 5,
		CostBrl:     brl,
		TokenUsage:  models.TokenUsage{Prompt: 10, Output: 5, Total: 15},
		ProcessedAt: at,
	}
}

func TestListEmails(t *testing.T) {
	now := time.Now().UTC()
	h := newReportsRouter(t,
		processedAt("a", models.StateDrafted, now.Add(-2*time.Minute), 0.5),
		processedAt("b", models.StateSent, now.Add(-time.Minute), 0.5),
		processedAt("c", models.StateDrafted, now, 0.5),
	)

	rec := do(t, h, http.MethodGet, "/emails?state=drafted&limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var list analytics.EmailList
	if err := json.Unmarshal(decode(t, rec).Data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Emails) != 1 || list.Emails[0].Email.ID != "c" {
		t.Fatalf("emails = %+v, want newest drafted", list.Emails)
	}
	if !list.HasMore {
		t.Error("has_more = false, want true")
	}

	for _, path := range []string{"/emails?limit=abc", "/emails?state=generating", "/emails?limit=501"} {
		if rec := do(t, h, http.MethodGet, path, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rec.Code)
		}
	}
}

func TestCostSummary(t *testing.T) {
	now := time.Now().UTC()
	h := newReportsRouter(t,
		processedAt("a", models.StateDrafted, now, 1.0),
		processedAt("b", models.StateSent, now, 2.0),
		processedAt("old", models.StateSent, now.AddDate(0, 0, -60), 100),
	)

	rec := do(t, h, http.MethodGet, "/costs/summary?period=month", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var sum analytics.Summary
	if err := json.Unmarshal(decode(t, rec).Data, &sum); err != nil {
		t.Fatal(err)
	}
	if sum.Totals.Count != 2 || sum.Totals.CostBRL != 3.0 {
		t.Errorf("totals = %+v, want 2 emails costing R$3.00", sum.Totals)
	}
	if sum.ExchangeRate != 5.0 {
		t.Errorf("exchange rate = %v", sum.ExchangeRate)
	}

	if rec := do(t, h, http.MethodGet, "/costs/summary?period=decade", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown period: status = %d, want 400", rec.Code)
	}
}

func TestDailyCosts(t *testing.T) {
	now := time.Now().UTC()
	h := newReportsRouter(t,
		processedAt("a", models.StateDrafted, now, 1.0),
		processedAt("b", models.StateDrafted, now.AddDate(0, 0, -1), 1.0),
	)

	rec := do(t, h, http.MethodGet, "/costs/daily?days=3", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var report analytics.DailyReport
	if err := json.Unmarshal(decode(t, rec).Data, &report); err != nil {
		t.Fatal(err)
	}
	if report.Days != 3 || len(report.Daily) != 2 || report.Totals.Count != 2 {
		t.Errorf("report = %+v", report)
	}

	if rec := do(t, h, http.MethodGet, "/costs/daily?days=365", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("days=365: status = %d, want 400", rec.Code)
	}
}

func TestPricingEndpoints(t *testing.T) {
	h := newReportsRouter(t)

	rec := do(t, h, http.MethodGet, "/pricing", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pricing status = %d", rec.Code)
	}
	var info analytics.PricingInfo
	if err := json.Unmarshal(decode(t, rec).Data, &info); err != nil {
		t.Fatal(err)
	}
	if info.Model != pricing.DefaultModel || info.USD != pricing.DefaultPrice {
		t.Errorf("pricing = %+v", info)
	}

	rec = do(t, h, http.MethodGet, "/exchange-rate", "")
	var rate analytics.ExchangeRate
	if err := json.Unmarshal(decode(t, rec).Data, &rate); err != nil {
		t.Fatal(err)
	}
	if rate.Rate != 5.0 || rate.CurrencyPair != "USD/BRL" {
		t.Errorf("exchange rate = %+v", rate)
	}

	rec = do(t, h, http.MethodPost, "/estimate", `{"prompt_tokens":1000000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("estimate status = %d: %s", rec.Code, rec.Body.String())
	}
	var cost pricing.Cost
	if err := json.Unmarshal(decode(t, rec).Data, &cost); err != nil {
		t.Fatal(err)
	}
	if cost.USD != 0.3 || cost.BRL != 1.5 {
		t.Errorf("estimate = %+v, want $0.30 / R$1.50", cost)
	}
}

func TestReportsRequireAuth(t *testing.T) {
	h := newReportsRouter(t)
	for _, path := range []string{"/emails", "/costs/summary", "/pricing"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", path, rec.Code)
		}
	}
}

func TestReportsDisabledWithoutService(t *testing.T) {
	h := newTestRouter(&fakePipeline{}, nil)
	if rec := do(t, h, http.MethodGet, "/costs/summary", ""); rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want route absent", rec.Code)
	}
}

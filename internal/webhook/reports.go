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
	"net/http"
	"strconv"

	"github.com/bcem/autoresponder/internal/analytics"
	"github.com/bcem/autoresponder/internal/models"
	"github.com/bcem/autoresponder/internal/pricing"
	"github.com/bcem/autoresponder/internal/validation"
)

// Reports is the read-only reporting surface.
type Reports interface {
	Emails(ctx context.Context, state models.State, limit int) (*analytics.EmailList, error)
	Summary(ctx context.Context, period analytics.Period) (*analytics.Summary, error)
	Daily(ctx context.Context, days int) (*analytics.DailyReport, error)
	Pricing(ctx context.Context) analytics.PricingInfo
	ExchangeRate(ctx context.Context) analytics.ExchangeRate
	Estimate(ctx context.Context, usage models.TokenUsage) (pricing.Cost, error)
}

// WithReports enables the listing and cost endpoints.
func (h *Handler) WithReports(r Reports) *Handler {
	h.reports = r
	return h
}

// ListEmails handles GET /emails?state=&limit=.
func (h *Handler) ListEmails(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	list, err := h.reports.Emails(r.Context(), models.State(r.URL.Query().Get("state")), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, list)
}

// CostSummary handles GET /costs/summary?period=today|week|month|all.
func (h *Handler) CostSummary(w http.ResponseWriter, r *http.Request) {
	period, err := analytics.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	sum, err := h.reports.Summary(r.Context(), period)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, sum)
}

// DailyCosts handles GET /costs/daily?days=.
func (h *Handler) DailyCosts(w http.ResponseWriter, r *http.Request) {
	days, ok := intParam(w, r, "days")
	if !ok {
		return
	}
	report, err := h.reports.Daily(r.Context(), days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, report)
}

// Pricing handles GET /pricing.
func (h *Handler) Pricing(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, h.reports.Pricing(r.Context()))
}

// ExchangeRate handles GET /exchange-rate.
func (h *Handler) ExchangeRate(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, h.reports.ExchangeRate(r.Context()))
}

// Estimate handles POST /estimate with a token usage body.
func (h *Handler) Estimate(w http.ResponseWriter, r *http.Request) {
	var usage models.TokenUsage
	if !decodeBody(w, r, &usage) {
		return
	}
	cost, err := h.reports.Estimate(r.Context(), usage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, cost)
}

// intParam reads an optional integer query parameter; absent is 0.
func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, r, validation.Fail(name, "number"))
		return 0, false
	}
	return n, true
}

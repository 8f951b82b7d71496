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

// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelineOutcomes counts finished Process calls by final state.
	PipelineOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoresponder_pipeline_outcomes_total",
			Help: "Processed emails by resulting state",
		},
		[]string{"state"},
	)

	// PipelineDuration observes end-to-end Process latency.
	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autoresponder_pipeline_duration_seconds",
			Help:    "Time spent processing one email",
			Buckets: prometheus.DefBuckets,
		},
	)

	// GenerationSkipped counts emails the gate kept away from generation.
	GenerationSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autoresponder_generation_skipped_total",
			Help: "Emails that did not pass the generation gate",
		},
	)

	// UpstreamRequests counts calls to external services by route and result.
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoresponder_upstream_requests_total",
			Help: "Calls to classification, tracking and generation services",
		},
		[]string{"service", "result"},
	)

	// UpstreamDuration observes upstream call latency.
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autoresponder_upstream_duration_seconds",
			Help:    "Latency of upstream service calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"service"},
	)

	// CircuitBreakerState is 0 closed, 1 half-open, 2 open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autoresponder_circuit_breaker_state",
			Help: "Circuit breaker state per upstream service",
		},
		[]string{"service"},
	)

	// RateLimitDenials counts rejected checks per route class.
	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoresponder_rate_limit_denials_total",
			Help: "Requests denied by the rate limiter",
		},
		[]string{"route"},
	)

	// TokenRefreshes counts OAuth refresh attempts by outcome.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoresponder_token_refreshes_total",
			Help: "OAuth token refreshes",
		},
		[]string{"outcome"},
	)

	// CostUSD and CostBRL accumulate the LLM spend.
	CostUSD = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autoresponder_llm_cost_usd_total",
			Help: "Accumulated LLM cost in USD",
		},
	)
	CostBRL = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autoresponder_llm_cost_brl_total",
			Help: "Accumulated LLM cost in BRL",
		},
	)

	// TokensUsed accumulates LLM tokens by kind.
	TokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoresponder_llm_tokens_total",
			Help: "LLM tokens spent",
		},
		[]string{"kind"},
	)

	// SendOutcomes counts transport sends.
	SendOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoresponder_send_total",
			Help: "Approved replies handed to the transport",
		},
		[]string{"result"},
	)

	// InboxMessages counts messages seen by the inbox poller.
	InboxMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoresponder_inbox_messages_total",
			Help: "Inbox messages by poll outcome",
		},
		[]string{"outcome"},
	)
)

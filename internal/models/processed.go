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

package models

import "time"

// State is the lifecycle position of a ProcessedEmail.
type State string

const (
	StateReceived    State = "received"
	StateClassifying State = "classifying"
	StateTracking    State = "tracking"
	StateGenerating  State = "generating"
	StateDrafted     State = "drafted"
	StateApproved    State = "approved"
	StateSent        State = "sent"
	StateFailed      State = "failed"
)

// Terminal reports whether no further pipeline work happens in s without a
// human action.
func (s State) Terminal() bool {
	return s == StateDrafted || s == StateSent || s == StateFailed
}

// CostBreakdown splits the USD cost of a run by token class.
type CostBreakdown struct {
	InputUsd    float64 `json:"input_usd"`
	OutputUsd   float64 `json:"output_usd"`
	ThinkingUsd float64 `json:"thinking_usd"`
}

// ProcessedEmail is the audit record for one email. Exactly one exists per
// Email.ID; it is overwritten on reprocessing and never deleted.
type ProcessedEmail struct {
	Email             Email              `json:"email"`
	State             State              `json:"state"`
	Classification    *Classification    `json:"classification,omitempty"`
	Tracking          *TrackingResult    `json:"tracking,omitempty"`
	GeneratedResponse *GeneratedResponse `json:"generated_response,omitempty"`

	// GenerationNote explains why GeneratedResponse is absent.
	GenerationNote string `json:"generation_note,omitempty"`
	// Error holds the last unrecoverable error for failed records, or the
	// generation error for partial drafts.
	Error string `json:"error,omitempty"`

	TokenUsage               TokenUsage    `json:"token_usage"`
	CostUsd                  float64       `json:"cost_usd"`
	CostBrl                  float64       `json:"cost_brl"`
	CostBreakdown            CostBreakdown `json:"cost_breakdown"`
	ExchangeRateAtProcessing float64       `json:"exchange_rate_at_processing"`

	Approved     bool       `json:"approved"`
	Sent         bool       `json:"sent"`
	ProcessedAt  time.Time  `json:"processed_at"`
	ProcessingMs int64      `json:"processing_ms"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	SentMessage  string     `json:"sent_message_id,omitempty"`
}

// OAuthCredential is a mailbox principal's OAuth token set.
type OAuthCredential struct {
	PrincipalID   string `json:"principal_id"`
	AccessToken   string `json:"access_token"`
	RefreshToken  string `json:"refresh_token,omitempty"`
	ExpiryEpochMs int64  `json:"expiry_epoch_ms"`
	Scope         string `json:"scope"`
}

// Expiry returns the credential expiry as a time.Time.
func (c OAuthCredential) Expiry() time.Time {
	return time.UnixMilli(c.ExpiryEpochMs)
}

// Clone returns a deep copy of p.
func (p *ProcessedEmail) Clone() *ProcessedEmail {
	if p == nil {
		return nil
	}
	out := *p
	if p.Classification != nil {
		c := *p.Classification
		out.Classification = &c
	}
	if p.Tracking != nil {
		t := *p.Tracking
		if p.Tracking.Orders != nil {
			t.Orders = make([]OrderRecord, len(p.Tracking.Orders))
			copy(t.Orders, p.Tracking.Orders)
		}
		out.Tracking = &t
	}
	if p.GeneratedResponse != nil {
		g := *p.GeneratedResponse
		out.GeneratedResponse = &g
	}
	if p.SentAt != nil {
		s := *p.SentAt
		out.SentAt = &s
	}
	return &out
}

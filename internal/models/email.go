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

// Package models defines the data shared across the support pipeline: the
// inbound email, the outputs of the three upstream services and the
// ProcessedEmail audit record.
package models

import "time"

// Email is an inbound support message. It is immutable once received.
type Email struct {
	ID         string    `json:"email_id" validate:"required,max=512"`
	From       string    `json:"from_address" validate:"required,email"`
	To         string    `json:"to_address" validate:"required"`
	Subject    string    `json:"subject" validate:"max=2000"`
	Body       string    `json:"body" validate:"max=200000"`
	ReceivedAt time.Time `json:"received_at"`
	ThreadID   string    `json:"thread_id,omitempty"`

	// MessageID is the RFC 5322 Message-ID header, used to thread replies.
	MessageID string `json:"message_id,omitempty" validate:"max=998"`

	// Mailbox is the principal whose credential is used to reply.
	Mailbox string `json:"mailbox,omitempty"`
}

// Reply is an outgoing answer to an inbound Email.
type Reply struct {
	To      string
	Subject string
	Body    string

	// ThreadID and InReplyTo keep the reply in the sender's conversation.
	ThreadID  string
	InReplyTo string
}

// ReplyWith builds the Reply to e carrying subject and body.
func (e Email) ReplyWith(subject, body string) Reply {
	return Reply{
		To:        e.From,
		Subject:   subject,
		Body:      body,
		ThreadID:  e.ThreadID,
		InReplyTo: e.MessageID,
	}
}

// Urgency of a classified email.
type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyMedium Urgency = "medium"
	UrgencyLow    Urgency = "low"
)

// Valid reports whether u is a known urgency level.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyHigh, UrgencyMedium, UrgencyLow:
		return true
	}
	return false
}

// EmailType is the classifier's coarse category for an email.
type EmailType string

const (
	EmailTypeQuestion   EmailType = "question"
	EmailTypeComplaint  EmailType = "complaint"
	EmailTypeRequest    EmailType = "request"
	EmailTypeSpam       EmailType = "spam"
	EmailTypeNewsletter EmailType = "newsletter"
	EmailTypeAutoReply  EmailType = "auto_reply"
	EmailTypeOther      EmailType = "other"
)

// Valid reports whether t is a known email type.
func (t EmailType) Valid() bool {
	switch t {
	case EmailTypeQuestion, EmailTypeComplaint, EmailTypeRequest, EmailTypeSpam,
		EmailTypeNewsletter, EmailTypeAutoReply, EmailTypeOther:
		return true
	}
	return false
}

// TokenUsage counts LLM tokens spent by one call or a whole pipeline run.
type TokenUsage struct {
	Prompt  int `json:"prompt_tokens"`
	Output  int `json:"output_tokens"`
	Thought int `json:"thought_tokens"`
	Total   int `json:"total_tokens"`
}

// Add returns the element-wise sum of u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		Prompt:  u.Prompt + o.Prompt,
		Output:  u.Output + o.Output,
		Thought: u.Thought + o.Thought,
		Total:   u.Total + o.Total,
	}
}

// Classification is the classifier's verdict for one email.
type Classification struct {
	IsSupport        bool       `json:"is_support"`
	IsTracking       bool       `json:"is_tracking"`
	Urgency          Urgency    `json:"urgency"`
	EmailType        EmailType  `json:"email_type"`
	Confidence       float64    `json:"confidence"`
	ExtractedOrderID string     `json:"extracted_order_id,omitempty"`
	ProductName      string     `json:"product_name,omitempty"`
	TokenUsage       TokenUsage `json:"token_usage"`
}

// OrderRecord is one order returned by the tracking service.
type OrderRecord struct {
	OrderID      string     `json:"order_id"`
	TrackingCode string     `json:"tracking_code"`
	Carrier      string     `json:"carrier"`
	Status       string     `json:"status"`
	LastLocation string     `json:"last_location,omitempty"`
	PurchaseDate *time.Time `json:"purchase_date,omitempty"`
}

// TrackingResult is the outcome of an order lookup. Found=false is a valid
// result, not an error.
type TrackingResult struct {
	Found       bool          `json:"found"`
	Orders      []OrderRecord `json:"orders"`
	QueryTimeMs int64         `json:"query_time_ms"`
}

// Tone of a generated reply.
type Tone string

const (
	ToneProfessional Tone = "professional"
	ToneFriendly     Tone = "friendly"
	ToneEmpathetic   Tone = "empathetic"
	ToneFormal       Tone = "formal"
	ToneInformative  Tone = "informative"
)

// GeneratedResponse is the LLM-drafted reply awaiting human approval.
type GeneratedResponse struct {
	SuggestedSubject string     `json:"suggested_subject"`
	SuggestedBody    string     `json:"suggested_body"`
	Tone             Tone       `json:"tone"`
	ResponseType     string     `json:"response_type"`
	RequiresFollowup bool       `json:"requires_followup"`
	TokenUsage       TokenUsage `json:"token_usage"`
}

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

// Package classifier is the client for the email classification service.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bcem/autoresponder/internal/models"
	"github.com/bcem/autoresponder/internal/upstream"
)

const classifyPath = "/classify"

type classifyRequest struct {
	EmailID     string    `json:"email_id"`
	FromAddress string    `json:"from_address"`
	ToAddress   string    `json:"to_address"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	ReceivedAt  time.Time `json:"received_at"`
	ThreadID    string    `json:"thread_id,omitempty"`
}

type classifyResponse struct {
	IsSupport        bool              `json:"is_support"`
	IsTracking       bool              `json:"is_tracking"`
	Urgency          string            `json:"urgency"`
	EmailType        string            `json:"email_type"`
	Confidence       *float64          `json:"confidence"`
	ExtractedOrderID *string           `json:"extracted_order_id"`
	ProductName      *string           `json:"product_name"`
	TokenUsage       models.TokenUsage `json:"token_usage"`
}

// Client calls POST /classify.
type Client struct {
	caller *upstream.Caller
}

// New creates a classification client.
func New(caller *upstream.Caller) *Client {
	return &Client{caller: caller}
}

// Classify returns the classification of email. identity selects the rate
// limit bucket.
//
// Errors are the upstream typed errors; a response that fails validation is
// an *upstream.UpstreamError.
func (c *Client) Classify(ctx context.Context, identity string, email models.Email) (*models.Classification, error) {
	req := classifyRequest{
		EmailID:     email.ID,
		FromAddress: email.From,
		ToAddress:   email.To,
		Subject:     email.Subject,
		Body:        email.Body,
		ReceivedAt:  email.ReceivedAt,
		ThreadID:    email.ThreadID,
	}

	var resp classifyResponse
	if err := c.caller.PostJSON(ctx, identity, classifyPath, req, &resp, nil); err != nil {
		return nil, err
	}

	result, err := normalize(resp)
	if err != nil {
		return nil, &upstream.UpstreamError{Route: classifyPath, Code: 200, Message: err.Error()}
	}

	if result.ExtractedOrderID == "" && result.IsTracking {
		if id := ExtractOrderID(email.Subject + "\n" + email.Body); id != "" {
			slog.Debug("order id extracted from text",
				"email_id", email.ID,
				"order_id", id,
			)
			result.ExtractedOrderID = id
		}
	}

	return result, nil
}

func normalize(resp classifyResponse) (*models.Classification, error) {
	if resp.Confidence == nil {
		return nil, fmt.Errorf("classification response missing confidence")
	}
	if *resp.Confidence < 0 || *resp.Confidence > 1 {
		return nil, fmt.Errorf("classification confidence %v out of range", *resp.Confidence)
	}

	out := &models.Classification{
		IsSupport:  resp.IsSupport,
		IsTracking: resp.IsTracking,
		Urgency:    models.Urgency(strings.ToLower(resp.Urgency)),
		EmailType:  models.EmailType(strings.ToLower(resp.EmailType)),
		Confidence: *resp.Confidence,
		TokenUsage: resp.TokenUsage,
	}
	if !out.Urgency.Valid() {
		out.Urgency = models.UrgencyMedium
	}
	if !out.EmailType.Valid() {
		out.EmailType = models.EmailTypeOther
	}
	if resp.ExtractedOrderID != nil {
		out.ExtractedOrderID = strings.TrimSpace(*resp.ExtractedOrderID)
	}
	if resp.ProductName != nil {
		out.ProductName = strings.TrimSpace(*resp.ProductName)
	}
	if out.TokenUsage.Total == 0 {
		out.TokenUsage.Total = out.TokenUsage.Prompt + out.TokenUsage.Output + out.TokenUsage.Thought
	}
	return out, nil
}

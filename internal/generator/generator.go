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

// Package generator is the client for the LLM response generation service.
package generator

import (
	"context"
	"strings"

	"github.com/bcem/autoresponder/internal/models"
	"github.com/bcem/autoresponder/internal/upstream"
)

const generatePath = "/response/generate"

// Response types.
const (
	ResponseSupport  = "support"
	ResponseTracking = "tracking"
	ResponseCombined = "combined"
)

type emailContent struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type generateRequest struct {
	EmailID        string                 `json:"email_id"`
	EmailContent   emailContent           `json:"email_content"`
	Classification models.Classification  `json:"classification"`
	TrackingData   *models.TrackingResult `json:"tracking_data,omitempty"`
}

type generateResponse struct {
	SuggestedSubject string            `json:"suggested_subject"`
	SuggestedBody    string            `json:"suggested_body"`
	Tone             string            `json:"tone"`
	ResponseType     string            `json:"response_type"`
	RequiresFollowup bool              `json:"requires_followup"`
	TokenUsage       models.TokenUsage `json:"token_usage"`
}

// Client calls POST /response/generate.
type Client struct {
	caller *upstream.Caller
}

// New creates a generation client.
func New(caller *upstream.Caller) *Client {
	return &Client{caller: caller}
}

// Generate drafts a reply. tracking may be nil, in which case tracking_data
// is omitted from the request.
func (c *Client) Generate(ctx context.Context, identity string, email models.Email, cls models.Classification, tracking *models.TrackingResult) (*models.GeneratedResponse, error) {
	req := generateRequest{
		EmailID: email.ID,
		EmailContent: emailContent{
			From:    email.From,
			To:      email.To,
			Subject: email.Subject,
			Body:    email.Body,
		},
		Classification: cls,
		TrackingData:   tracking,
	}

	var resp generateResponse
	if err := c.caller.PostJSON(ctx, identity, generatePath, req, &resp, nil); err != nil {
		return nil, err
	}

	subject := strings.TrimSpace(resp.SuggestedSubject)
	body := strings.TrimSpace(resp.SuggestedBody)
	if subject == "" || body == "" {
		return nil, &upstream.UpstreamError{Route: generatePath, Code: 200, Message: "generated response missing subject or body"}
	}

	out := &models.GeneratedResponse{
		SuggestedSubject: subject,
		SuggestedBody:    body,
		Tone:             models.Tone(strings.ToLower(resp.Tone)),
		ResponseType:     resp.ResponseType,
		RequiresFollowup: resp.RequiresFollowup,
		TokenUsage:       resp.TokenUsage,
	}
	if !validTone(out.Tone) {
		out.Tone = models.ToneProfessional
	}
	if out.ResponseType == "" {
		out.ResponseType = responseType(cls, tracking)
	}
	if out.TokenUsage.Total == 0 {
		out.TokenUsage.Total = out.TokenUsage.Prompt + out.TokenUsage.Output + out.TokenUsage.Thought
	}
	return out, nil
}

func responseType(cls models.Classification, tracking *models.TrackingResult) string {
	switch {
	case cls.IsSupport && cls.IsTracking && tracking != nil:
		return ResponseCombined
	case cls.IsTracking && !cls.IsSupport:
		return ResponseTracking
	default:
		return ResponseSupport
	}
}

func validTone(t models.Tone) bool {
	switch t {
	case models.ToneProfessional, models.ToneFriendly, models.ToneEmpathetic, models.ToneFormal, models.ToneInformative:
		return true
	}
	return false
}

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

// Package tracking is the client for the order tracking lookup service.
package tracking

import (
	"context"
	"time"

	"github.com/bcem/autoresponder/internal/models"
	"github.com/bcem/autoresponder/internal/upstream"
)

const queryPath = "/tracking/query"

type queryRequest struct {
	EmailID     string `json:"email_id"`
	SenderEmail string `json:"sender_email"`
	OrderID     string `json:"order_id,omitempty"`
}

type queryResponse struct {
	Found       bool                 `json:"found"`
	Orders      []models.OrderRecord `json:"orders"`
	QueryTimeMs int64                `json:"query_time_ms"`
}

// Client calls POST /tracking/query.
type Client struct {
	caller *upstream.Caller
}

// New creates a tracking client.
func New(caller *upstream.Caller) *Client {
	return &Client{caller: caller}
}

// Lookup finds orders by orderID when known, else by sender address.
// "No such order" is returned as TrackingResult{Found: false}, never as an
// error.
func (c *Client) Lookup(ctx context.Context, identity, emailID, sender, orderID string) (*models.TrackingResult, error) {
	req := queryRequest{
		EmailID:     emailID,
		SenderEmail: sender,
		OrderID:     orderID,
	}

	start := time.Now()
	var resp queryResponse
	missing := false
	err := c.caller.PostJSON(ctx, identity, queryPath, req, &resp, func() { missing = true })
	if err != nil {
		return nil, err
	}

	if missing || !resp.Found || len(resp.Orders) == 0 {
		took := resp.QueryTimeMs
		if took == 0 {
			took = time.Since(start).Milliseconds()
		}
		return &models.TrackingResult{Found: false, Orders: []models.OrderRecord{}, QueryTimeMs: took}, nil
	}

	return &models.TrackingResult{
		Found:       true,
		Orders:      resp.Orders,
		QueryTimeMs: resp.QueryTimeMs,
	}, nil
}

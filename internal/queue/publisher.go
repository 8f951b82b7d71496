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

// Package queue publishes review events to Redis for the human approval UI.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/autoresponder/internal/models"
)

// DraftReadyEvent is the task name consumers dispatch on.
const DraftReadyEvent = "review.draft_ready"

// Publisher pushes review events onto a Redis list.
type Publisher struct {
	rdb       *redis.Client
	queueName string
	now       func() time.Time
}

// NewPublisher creates a new Redis publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
		now:       time.Now,
	}
}

// Event is one queued review notification.
type Event struct {
	ID           string       `json:"id"`
	Task         string       `json:"task"`
	EmailID      string       `json:"email_id"`
	Mailbox      string       `json:"mailbox,omitempty"`
	State        models.State `json:"state"`
	From         string       `json:"from_address"`
	Subject      string       `json:"subject"`
	Urgency      string       `json:"urgency,omitempty"`
	ResponseType string       `json:"response_type,omitempty"`
	CostUsd      float64      `json:"cost_usd"`
	CreatedAt    time.Time    `json:"created_at"`
}

// DraftReady queues a review.draft_ready event for rec. Consumers read with
// BRPOP, so LPUSH gives FIFO order.
func (p *Publisher) DraftReady(ctx context.Context, rec models.ProcessedEmail) error {
	ev := Event{
		ID:        uuid.New().String(),
		Task:      DraftReadyEvent,
		EmailID:   rec.Email.ID,
		Mailbox:   rec.Email.Mailbox,
		State:     rec.State,
		From:      rec.Email.From,
		Subject:   rec.Email.Subject,
		CostUsd:   rec.CostUsd,
		CreatedAt: p.now().UTC(),
	}
	if rec.Classification != nil {
		ev.Urgency = string(rec.Classification.Urgency)
	}
	if rec.GeneratedResponse != nil {
		ev.ResponseType = rec.GeneratedResponse.ResponseType
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal review event: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(body)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published review event",
		"task_id", ev.ID,
		"email_id", ev.EmailID,
		"queue", p.queueName,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}

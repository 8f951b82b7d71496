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

// Package store provides Postgres-backed persistence for processed email
// records and mailbox OAuth credentials, plus an in-memory email store for
// tests and single-process runs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/autoresponder/internal/models"
)

// EmailStore keeps one ProcessedEmail row per email id.
type EmailStore struct {
	pool *pgxpool.Pool
}

// NewEmailStore creates an email store backed by the given Postgres pool.
// It ensures the processed_emails table exists on creation.
func NewEmailStore(ctx context.Context, pool *pgxpool.Pool) (*EmailStore, error) {
	s := &EmailStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure processed_emails schema: %w", err)
	}
	slog.Info("email store initialised")
	return s, nil
}

func (s *EmailStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS processed_emails (
			id                  BIGSERIAL PRIMARY KEY,
			email_id            TEXT NOT NULL UNIQUE,
			mailbox             TEXT DEFAULT '',
			from_address        TEXT NOT NULL,
			to_address          TEXT NOT NULL,
			subject             TEXT DEFAULT '',
			body                TEXT DEFAULT '',
			received_at         TIMESTAMPTZ,
			thread_id           TEXT DEFAULT '',
			state               TEXT NOT NULL,
			classification      JSONB,
			tracking            JSONB,
			generated_response  JSONB,
			generation_note     TEXT DEFAULT '',
			error               TEXT DEFAULT '',
			token_usage         JSONB NOT NULL DEFAULT '{}',
			cost_usd            DOUBLE PRECISION DEFAULT 0,
			cost_brl            DOUBLE PRECISION DEFAULT 0,
			cost_breakdown      JSONB NOT NULL DEFAULT '{}',
			exchange_rate       DOUBLE PRECISION DEFAULT 0,
			approved            BOOLEAN DEFAULT FALSE,
			sent                BOOLEAN DEFAULT FALSE,
			processed_at        TIMESTAMPTZ NOT NULL,
			processing_ms       BIGINT DEFAULT 0,
			sent_at             TIMESTAMPTZ,
			sent_message_id     TEXT DEFAULT '',
			created_at          TIMESTAMPTZ DEFAULT NOW(),
			updated_at          TIMESTAMPTZ DEFAULT NOW()
		);
		ALTER TABLE processed_emails ADD COLUMN IF NOT EXISTS message_id TEXT DEFAULT '';
		CREATE INDEX IF NOT EXISTS idx_processed_state ON processed_emails(state);
		CREATE INDEX IF NOT EXISTS idx_processed_mailbox ON processed_emails(mailbox);
		CREATE INDEX IF NOT EXISTS idx_processed_at ON processed_emails(processed_at);
	`)
	return err
}

const emailColumns = `
	email_id, mailbox, from_address, to_address, subject, body, received_at,
	thread_id, state, classification, tracking, generated_response,
	generation_note, error, token_usage, cost_usd, cost_brl, cost_breakdown,
	exchange_rate, approved, sent, processed_at, processing_ms, sent_at,
	sent_message_id, message_id`

// Upsert inserts or overwrites the record keyed on email_id.
func (s *EmailStore) Upsert(ctx context.Context, r models.ProcessedEmail) error {
	cls, err := marshalNullable(r.Classification)
	if err != nil {
		return fmt.Errorf("encode classification: %w", err)
	}
	tr, err := marshalNullable(r.Tracking)
	if err != nil {
		return fmt.Errorf("encode tracking: %w", err)
	}
	gen, err := marshalNullable(r.GeneratedResponse)
	if err != nil {
		return fmt.Errorf("encode generated response: %w", err)
	}
	usage, err := json.Marshal(r.TokenUsage)
	if err != nil {
		return fmt.Errorf("encode token usage: %w", err)
	}
	breakdown, err := json.Marshal(r.CostBreakdown)
	if err != nil {
		return fmt.Errorf("encode cost breakdown: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO processed_emails (`+emailColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
		ON CONFLICT (email_id) DO UPDATE SET
			mailbox            = EXCLUDED.mailbox,
			from_address       = EXCLUDED.from_address,
			to_address         = EXCLUDED.to_address,
			subject            = EXCLUDED.subject,
			body               = EXCLUDED.body,
			received_at        = EXCLUDED.received_at,
			thread_id          = EXCLUDED.thread_id,
			state              = EXCLUDED.state,
			classification     = EXCLUDED.classification,
			tracking           = EXCLUDED.tracking,
			generated_response = EXCLUDED.generated_response,
			generation_note    = EXCLUDED.generation_note,
			error              = EXCLUDED.error,
			token_usage        = EXCLUDED.token_usage,
			cost_usd           = EXCLUDED.cost_usd,
			cost_brl           = EXCLUDED.cost_brl,
			cost_breakdown     = EXCLUDED.cost_breakdown,
			exchange_rate      = EXCLUDED.exchange_rate,
			approved           = EXCLUDED.approved,
			sent               = EXCLUDED.sent,
			processed_at       = EXCLUDED.processed_at,
			processing_ms      = EXCLUDED.processing_ms,
			sent_at            = EXCLUDED.sent_at,
			sent_message_id    = EXCLUDED.sent_message_id,
			message_id         = EXCLUDED.message_id,
			updated_at         = NOW()
	`,
		r.Email.ID, r.Email.Mailbox, r.Email.From, r.Email.To, r.Email.Subject, r.Email.Body, r.Email.ReceivedAt,
		r.Email.ThreadID, string(r.State), cls, tr, gen,
		r.GenerationNote, r.Error, usage, r.CostUsd, r.CostBrl, breakdown,
		r.ExchangeRateAtProcessing, r.Approved, r.Sent, r.ProcessedAt, r.ProcessingMs, r.SentAt,
		r.SentMessage, r.Email.MessageID,
	)
	return err
}

// Get retrieves the record for emailID. Returns (nil, nil) when absent.
func (s *EmailStore) Get(ctx context.Context, emailID string) (*models.ProcessedEmail, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+emailColumns+`
		FROM processed_emails
		WHERE email_id = $1
	`, emailID)
	return scanEmail(row)
}

// List returns up to limit records, newest first. An empty state lists all.
func (s *EmailStore) List(ctx context.Context, state models.State, limit int) ([]models.ProcessedEmail, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+emailColumns+`
		FROM processed_emails
		WHERE ($1::text = '' OR state = $1)
		ORDER BY processed_at DESC
		LIMIT $2
	`, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ProcessedEmail
	for rows.Next() {
		r, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListSince returns every record processed at or after since, oldest first.
// A zero since lists all records.
func (s *EmailStore) ListSince(ctx context.Context, since time.Time) ([]models.ProcessedEmail, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+emailColumns+`
		FROM processed_emails
		WHERE processed_at >= $1
		ORDER BY processed_at ASC
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ProcessedEmail
	for rows.Next() {
		r, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// scanEmail scans a single row into a ProcessedEmail.
func scanEmail(row pgx.Row) (*models.ProcessedEmail, error) {
	var (
		r                models.ProcessedEmail
		state            string
		receivedAt       *time.Time
		cls, tr, gen     []byte
		usage, breakdown []byte
	)
	err := row.Scan(
		&r.Email.ID, &r.Email.Mailbox, &r.Email.From, &r.Email.To, &r.Email.Subject, &r.Email.Body, &receivedAt,
		&r.Email.ThreadID, &state, &cls, &tr, &gen,
		&r.GenerationNote, &r.Error, &usage, &r.CostUsd, &r.CostBrl, &breakdown,
		&r.ExchangeRateAtProcessing, &r.Approved, &r.Sent, &r.ProcessedAt, &r.ProcessingMs, &r.SentAt,
		&r.SentMessage, &r.Email.MessageID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.State = models.State(state)
	if receivedAt != nil {
		r.Email.ReceivedAt = *receivedAt
	}
	if r.Classification, err = unmarshalNullable[models.Classification](cls); err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}
	if r.Tracking, err = unmarshalNullable[models.TrackingResult](tr); err != nil {
		return nil, fmt.Errorf("decode tracking: %w", err)
	}
	if r.GeneratedResponse, err = unmarshalNullable[models.GeneratedResponse](gen); err != nil {
		return nil, fmt.Errorf("decode generated response: %w", err)
	}
	if len(usage) > 0 {
		if err := json.Unmarshal(usage, &r.TokenUsage); err != nil {
			return nil, fmt.Errorf("decode token usage: %w", err)
		}
	}
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &r.CostBreakdown); err != nil {
			return nil, fmt.Errorf("decode cost breakdown: %w", err)
		}
	}
	return &r, nil
}

func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalNullable[T any](b []byte) (*T, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

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

//go:build integration

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/autoresponder/internal/models"
	"github.com/bcem/autoresponder/internal/testutil"
	"github.com/bcem/autoresponder/internal/tokenstore"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	pg := testutil.MustStartPostgres()

	pool, err := pgxpool.New(context.Background(), pg.URL)
	if err != nil {
		pg.Terminate()
		os.Exit(1)
	}
	testPool = pool

	code := m.Run()
	pool.Close()
	pg.Terminate()
	os.Exit(code)
}

func TestEmailStoreUpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	s, err := NewEmailStore(ctx, testPool)
	require.NoError(t, err)

	processedAt := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	rec := models.ProcessedEmail{
		Email: models.Email{
			ID: "pg-1", From: "cliente@example.com", To: "suporte@loja.com",
			Subject: "Pedido", Body: "Onde está meu pedido 38495799?",
			ReceivedAt: processedAt.Add(-time.Minute), Mailbox: "suporte@loja.com",
			ThreadID: "t-1", MessageID: "<abc@mail.example.com>",
		},
		State: models.StateDrafted,
		Classification: &models.Classification{
			IsTracking: true, Urgency: models.UrgencyMedium, EmailType: models.EmailTypeQuestion,
			Confidence: 0.9, ExtractedOrderID: "38495799", ProductName: "Kit Bio",
		},
		Tracking:    &models.TrackingResult{Found: false, Orders: []models.OrderRecord{}},
		TokenUsage:  models.TokenUsage{Prompt: 10, Output: 5, Total: 15},
		CostUsd:     0.000016,
		ProcessedAt: processedAt,
	}
	require.NoError(t, s.Upsert(ctx, rec))

	rec.Approved = true
	rec.State = models.StateApproved
	rec.GeneratedResponse = &models.GeneratedResponse{SuggestedSubject: "Re: Pedido", SuggestedBody: "Olá"}
	require.NoError(t, s.Upsert(ctx, rec))

	got, err := s.Get(ctx, "pg-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.StateApproved, got.State)
	assert.True(t, got.Approved)
	assert.Equal(t, "38495799", got.Classification.ExtractedOrderID)
	assert.Equal(t, "Olá", got.GeneratedResponse.SuggestedBody)
	assert.Nil(t, got.SentAt)
	assert.True(t, got.ProcessedAt.Equal(processedAt))
	assert.Equal(t, "<abc@mail.example.com>", got.Email.MessageID)

	var n int
	require.NoError(t, testPool.QueryRow(ctx, `SELECT COUNT(*) FROM processed_emails WHERE email_id = 'pg-1'`).Scan(&n))
	assert.Equal(t, 1, n)

	list, err := s.List(ctx, models.StateApproved, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, list)

	since, err := s.ListSince(ctx, processedAt)
	require.NoError(t, err)
	assert.NotEmpty(t, since)
	later, err := s.ListSince(ctx, processedAt.Add(time.Hour))
	require.NoError(t, err)
	for _, r := range later {
		assert.NotEqual(t, "pg-1", r.Email.ID)
	}
}

func TestEmailStoreGetMissing(t *testing.T) {
	s, err := NewEmailStore(context.Background(), testPool)
	require.NoError(t, err)

	got, err := s.Get(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCredentialStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewCredentialStore(ctx, testPool)
	require.NoError(t, err)

	_, err = s.Load(ctx, "nobody@loja.com")
	require.ErrorIs(t, err, tokenstore.ErrNotFound)

	cred := models.OAuthCredential{
		PrincipalID: "suporte@loja.com", AccessToken: "a1", RefreshToken: "r1",
		ExpiryEpochMs: 1767225600000, Scope: "gmail.modify",
	}
	require.NoError(t, s.Save(ctx, cred))
	cred.AccessToken = "a2"
	require.NoError(t, s.Save(ctx, cred))

	got, err := s.Load(ctx, "suporte@loja.com")
	require.NoError(t, err)
	assert.Equal(t, cred, *got)
}

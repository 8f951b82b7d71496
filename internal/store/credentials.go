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

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/autoresponder/internal/models"
	"github.com/bcem/autoresponder/internal/tokenstore"
)

// CredentialStore persists mailbox OAuth credentials. It implements
// tokenstore.Backend.
type CredentialStore struct {
	pool *pgxpool.Pool
}

// NewCredentialStore creates a credential store backed by the given pool.
func NewCredentialStore(ctx context.Context, pool *pgxpool.Pool) (*CredentialStore, error) {
	s := &CredentialStore{pool: pool}
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS oauth_credentials (
			principal_id    TEXT PRIMARY KEY,
			access_token    TEXT NOT NULL,
			refresh_token   TEXT DEFAULT '',
			expiry_epoch_ms BIGINT NOT NULL,
			scope           TEXT DEFAULT '',
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			updated_at      TIMESTAMPTZ DEFAULT NOW()
		);
	`); err != nil {
		return nil, fmt.Errorf("ensure oauth_credentials schema: %w", err)
	}
	slog.Info("credential store initialised")
	return s, nil
}

// Load returns the credential for principalID or tokenstore.ErrNotFound.
func (s *CredentialStore) Load(ctx context.Context, principalID string) (*models.OAuthCredential, error) {
	var c models.OAuthCredential
	err := s.pool.QueryRow(ctx, `
		SELECT principal_id, access_token, refresh_token, expiry_epoch_ms, scope
		FROM oauth_credentials
		WHERE principal_id = $1
	`, principalID).Scan(&c.PrincipalID, &c.AccessToken, &c.RefreshToken, &c.ExpiryEpochMs, &c.Scope)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tokenstore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Save upserts the credential keyed on principal_id.
func (s *CredentialStore) Save(ctx context.Context, c models.OAuthCredential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oauth_credentials
			(principal_id, access_token, refresh_token, expiry_epoch_ms, scope)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (principal_id) DO UPDATE SET
			access_token    = EXCLUDED.access_token,
			refresh_token   = EXCLUDED.refresh_token,
			expiry_epoch_ms = EXCLUDED.expiry_epoch_ms,
			scope           = EXCLUDED.scope,
			updated_at      = NOW()
	`, c.PrincipalID, c.AccessToken, c.RefreshToken, c.ExpiryEpochMs, c.Scope)
	return err
}

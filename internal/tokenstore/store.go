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

// Package tokenstore keeps mailbox OAuth credentials valid.
//
// GetValid is the entry point for every caller that needs an access token.
// When the cached credential is within the refresh margin of its expiry, the
// first caller refreshes it and every concurrent caller for the same
// principal waits on that single refresh. Refreshes for different principals
// run in parallel.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/bcem/autoresponder/internal/cache"
	"github.com/bcem/autoresponder/internal/metrics"
	"github.com/bcem/autoresponder/internal/models"
)

var (
	// ErrNotFound is returned by Backend.Load when the principal never
	// authenticated.
	ErrNotFound = errors.New("tokenstore: credential not found")

	// ErrAuthRequired is returned by GetValid when no credential exists.
	ErrAuthRequired = errors.New("tokenstore: authentication required")

	// ErrRefreshFailed means the refresh token is missing, invalid or
	// revoked. The mailbox owner must re-authenticate.
	ErrRefreshFailed = errors.New("tokenstore: refresh failed")
)

// Backend persists credentials.
type Backend interface {
	Load(ctx context.Context, principalID string) (*models.OAuthCredential, error)
	Save(ctx context.Context, cred models.OAuthCredential) error
}

// Refresher exchanges a refresh token for a new credential. Errors wrapping
// ErrRefreshFailed are permanent; anything else is treated as transient.
type Refresher interface {
	Refresh(ctx context.Context, cred models.OAuthCredential) (models.OAuthCredential, error)
}

// Config configures a Store.
type Config struct {
	Backend   Backend
	Refresher Refresher

	// Cache holds loaded credentials by principal id. Created if nil.
	Cache *cache.Cache[models.OAuthCredential]

	// Margin is how close to expiry a token may get before it is refreshed.
	Margin time.Duration
	// CacheTTL bounds how long a loaded credential is served without
	// re-reading the backend.
	CacheTTL time.Duration
	// RefreshTimeout bounds a whole refresh including retries.
	RefreshTimeout time.Duration
	// MaxRetries is the number of retries after the first transient failure.
	MaxRetries uint64
	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration

	Now func() time.Time
}

// Store loads, saves and refreshes credentials.
type Store struct {
	backend   Backend
	refresher Refresher
	cache     *cache.Cache[models.OAuthCredential]
	ownCache  bool

	margin         time.Duration
	cacheTTL       time.Duration
	refreshTimeout time.Duration
	maxRetries     uint64
	initialBackoff time.Duration
	now            func() time.Time

	group singleflight.Group
}

// New creates a Store.
func New(cfg Config) *Store {
	s := &Store{
		backend:        cfg.Backend,
		refresher:      cfg.Refresher,
		cache:          cfg.Cache,
		margin:         cfg.Margin,
		cacheTTL:       cfg.CacheTTL,
		refreshTimeout: cfg.RefreshTimeout,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		now:            cfg.Now,
	}
	if s.cache == nil {
		s.cache = cache.New[models.OAuthCredential]()
		s.ownCache = true
	}
	if s.margin <= 0 {
		s.margin = 60 * time.Second
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = 5 * time.Minute
	}
	if s.refreshTimeout <= 0 {
		s.refreshTimeout = 30 * time.Second
	}
	if s.maxRetries == 0 {
		s.maxRetries = 3
	}
	if s.initialBackoff <= 0 {
		s.initialBackoff = 200 * time.Millisecond
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Close releases the cache if the Store created it.
func (s *Store) Close() {
	if s.ownCache {
		s.cache.Close()
	}
}

// Load returns the stored credential for principalID, or ErrNotFound.
func (s *Store) Load(ctx context.Context, principalID string) (models.OAuthCredential, error) {
	if cred, ok := s.cache.Get(principalID); ok {
		return cred, nil
	}

	cred, err := s.backend.Load(ctx, principalID)
	if err != nil {
		return models.OAuthCredential{}, err
	}
	if cred == nil {
		return models.OAuthCredential{}, ErrNotFound
	}

	s.cache.Set(principalID, *cred, s.cacheTTL)
	return *cred, nil
}

// Save persists cred and replaces the cached entry.
func (s *Store) Save(ctx context.Context, cred models.OAuthCredential) error {
	if cred.PrincipalID == "" {
		return fmt.Errorf("tokenstore: save: empty principal id")
	}
	if err := s.backend.Save(ctx, cred); err != nil {
		return fmt.Errorf("tokenstore: save %s: %w", cred.PrincipalID, err)
	}
	s.cache.Set(cred.PrincipalID, cred, s.cacheTTL)
	return nil
}

// GetValid returns a credential that stays valid for at least the refresh
// margin, refreshing it if needed.
//
// Errors: ErrAuthRequired when the principal has no credential,
// ErrRefreshFailed when the refresh token is rejected, or a wrapped transient
// error once retries are exhausted.
func (s *Store) GetValid(ctx context.Context, principalID string) (models.OAuthCredential, error) {
	cred, err := s.Load(ctx, principalID)
	if errors.Is(err, ErrNotFound) {
		slog.Error("oauth credential unavailable",
			"principal", principalID,
			"reason", "not_found",
		)
		return models.OAuthCredential{}, fmt.Errorf("%w: no credential for %s", ErrAuthRequired, principalID)
	}
	if err != nil {
		return models.OAuthCredential{}, fmt.Errorf("tokenstore: load %s: %w", principalID, err)
	}

	if !s.needsRefresh(cred) {
		return cred, nil
	}

	// The flight runs on a detached context so one waiter cancelling does not
	// fail the refresh for everyone else sharing it.
	ch := s.group.DoChan(principalID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTimeout)
		defer cancel()

		// A flight that finished just before this one may already have
		// replaced the credential.
		if cur, ok := s.cache.Get(principalID); ok && !s.needsRefresh(cur) {
			return cur, nil
		}
		return s.refresh(rctx, cred)
	})

	select {
	case <-ctx.Done():
		return models.OAuthCredential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.OAuthCredential{}, res.Err
		}
		return res.Val.(models.OAuthCredential), nil
	}
}

func (s *Store) needsRefresh(cred models.OAuthCredential) bool {
	return !s.now().Add(s.margin).Before(cred.Expiry())
}

func (s *Store) refresh(ctx context.Context, cred models.OAuthCredential) (models.OAuthCredential, error) {
	principalID := cred.PrincipalID

	if cred.RefreshToken == "" {
		metrics.TokenRefreshes.WithLabelValues("failed").Inc()
		slog.Error("oauth refresh impossible",
			"principal", principalID,
			"reason", "refresh_failed",
			"error", "no refresh token",
		)
		return models.OAuthCredential{}, fmt.Errorf("%w: %s has no refresh token", ErrRefreshFailed, principalID)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx)

	attempt := 0
	fresh, err := backoff.RetryWithData(func() (models.OAuthCredential, error) {
		attempt++
		next, err := s.refresher.Refresh(ctx, cred)
		if err != nil {
			if errors.Is(err, ErrRefreshFailed) {
				return models.OAuthCredential{}, backoff.Permanent(err)
			}
			slog.Warn("oauth refresh attempt failed",
				"principal", principalID,
				"attempt", attempt,
				"error", err,
			)
			return models.OAuthCredential{}, err
		}
		return next, nil
	}, policy)
	if err != nil {
		if errors.Is(err, ErrRefreshFailed) {
			metrics.TokenRefreshes.WithLabelValues("failed").Inc()
			slog.Error("oauth refresh rejected",
				"principal", principalID,
				"reason", "refresh_failed",
				"error", err,
			)
			return models.OAuthCredential{}, err
		}
		metrics.TokenRefreshes.WithLabelValues("transient_exhausted").Inc()
		slog.Error("oauth refresh retries exhausted",
			"principal", principalID,
			"reason", "transient_exhausted",
			"attempts", attempt,
			"error", err,
		)
		return models.OAuthCredential{}, fmt.Errorf("tokenstore: refresh %s: %w", principalID, err)
	}

	fresh.PrincipalID = principalID
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = cred.RefreshToken
	}
	if fresh.Scope == "" {
		fresh.Scope = cred.Scope
	}

	if err := s.backend.Save(ctx, fresh); err != nil {
		// The provider may have rotated the refresh token, so the fresh
		// credential is still served from cache.
		slog.Error("failed to persist refreshed credential",
			"principal", principalID,
			"error", err,
		)
	}
	s.cache.Set(principalID, fresh, s.cacheTTL)

	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	slog.Info("oauth credential refreshed",
		"principal", principalID,
		"expires_at", fresh.Expiry().UTC(),
	)
	return fresh, nil
}

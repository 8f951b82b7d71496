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

package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/bcem/autoresponder/internal/models"
)

// OAuth2Refresher refreshes credentials against an OAuth2 token endpoint.
type OAuth2Refresher struct {
	Config *oauth2.Config

	// HTTPClient overrides the client used for the token request.
	HTTPClient *http.Client
}

// NewOAuth2Refresher creates a refresher for the given client and endpoint.
func NewOAuth2Refresher(clientID, clientSecret, tokenURL string, scopes []string) *OAuth2Refresher {
	return &OAuth2Refresher{
		Config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: scopes,
		},
	}
}

// Refresh always performs a token request, regardless of what oauth2
// considers expired.
func (r *OAuth2Refresher) Refresh(ctx context.Context, cred models.OAuthCredential) (models.OAuthCredential, error) {
	if r.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}

	stale := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Unix(1, 0),
	}

	tok, err := r.Config.TokenSource(ctx, stale).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && permanentRetrieveError(re) {
			return models.OAuthCredential{}, fmt.Errorf("%w: %s", ErrRefreshFailed, re.Error())
		}
		return models.OAuthCredential{}, err
	}

	out := models.OAuthCredential{
		PrincipalID:   cred.PrincipalID,
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
		ExpiryEpochMs: tok.Expiry.UnixMilli(),
		Scope:         cred.Scope,
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		out.Scope = scope
	}
	return out, nil
}

func permanentRetrieveError(re *oauth2.RetrieveError) bool {
	switch re.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client", "unsupported_grant_type":
		return true
	}
	if re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return true
		}
	}
	return false
}

// TokenSource adapts the store to oauth2.TokenSource for one principal, so
// an oauth2.Transport always carries a valid bearer token.
func (s *Store) TokenSource(ctx context.Context, principalID string) oauth2.TokenSource {
	return &storeTokenSource{ctx: ctx, store: s, principal: principalID}
}

type storeTokenSource struct {
	ctx       context.Context
	store     *Store
	principal string
}

func (t *storeTokenSource) Token() (*oauth2.Token, error) {
	cred, err := t.store.GetValid(t.ctx, t.principal)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  cred.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry(),
	}, nil
}

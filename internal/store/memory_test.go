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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/autoresponder/internal/models"
)

func TestMemoryEmailStoreIsolatesCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEmailStore()

	rec := models.ProcessedEmail{
		Email:             models.Email{ID: "m-1"},
		State:             models.StateDrafted,
		GeneratedResponse: &models.GeneratedResponse{SuggestedBody: "original"},
	}
	require.NoError(t, s.Upsert(ctx, rec))

	rec.GeneratedResponse.SuggestedBody = "mutated after upsert"

	got, err := s.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "original", got.GeneratedResponse.SuggestedBody)

	got.GeneratedResponse.SuggestedBody = "mutated after get"
	again, _ := s.Get(ctx, "m-1")
	assert.Equal(t, "original", again.GeneratedResponse.SuggestedBody)
}

func TestMemoryEmailStoreOverwrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEmailStore()

	require.NoError(t, s.Upsert(ctx, models.ProcessedEmail{Email: models.Email{ID: "m-1"}, State: models.StateFailed}))
	require.NoError(t, s.Upsert(ctx, models.ProcessedEmail{Email: models.Email{ID: "m-1"}, State: models.StateDrafted}))

	assert.Equal(t, 1, s.Len())
	got, _ := s.Get(ctx, "m-1")
	assert.Equal(t, models.StateDrafted, got.State)

	missing, err := s.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryEmailStoreList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEmailStore()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	for i, st := range []models.State{models.StateDrafted, models.StateSent, models.StateDrafted} {
		require.NoError(t, s.Upsert(ctx, models.ProcessedEmail{
			Email:       models.Email{ID: string(rune('a' + i))},
			State:       st,
			ProcessedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	drafted, err := s.List(ctx, models.StateDrafted, 10)
	require.NoError(t, err)
	require.Len(t, drafted, 2)
	assert.Equal(t, "c", drafted[0].Email.ID, "newest first")

	all, _ := s.List(ctx, "", 2)
	assert.Len(t, all, 2)
}

func TestMemoryEmailStoreListSince(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryEmailStore()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.Upsert(ctx, models.ProcessedEmail{
			Email:       models.Email{ID: id},
			State:       models.StateDrafted,
			ProcessedAt: base.Add(time.Duration(i) * 24 * time.Hour),
		}))
	}

	got, err := s.ListSince(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "mid", got[0].Email.ID, "oldest first")
	assert.Equal(t, "new", got[1].Email.ID)

	all, err := s.ListSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

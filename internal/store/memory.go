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
	"sort"
	"sync"
	"time"

	"github.com/bcem/autoresponder/internal/models"
)

// MemoryEmailStore keeps records in process memory. Records are copied on
// the way in and out so callers never share state with the store.
type MemoryEmailStore struct {
	mu      sync.RWMutex
	records map[string]*models.ProcessedEmail
	upserts int
}

// NewMemoryEmailStore creates an empty store.
func NewMemoryEmailStore() *MemoryEmailStore {
	return &MemoryEmailStore{records: make(map[string]*models.ProcessedEmail)}
}

// Upsert inserts or overwrites the record for r.Email.ID.
func (m *MemoryEmailStore) Upsert(_ context.Context, r models.ProcessedEmail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.Email.ID] = r.Clone()
	m.upserts++
	return nil
}

// Get returns the record for emailID, or (nil, nil) when absent.
func (m *MemoryEmailStore) Get(_ context.Context, emailID string) (*models.ProcessedEmail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[emailID]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

// List returns up to limit records, newest first. An empty state lists all.
func (m *MemoryEmailStore) List(_ context.Context, state models.State, limit int) ([]models.ProcessedEmail, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	out := make([]models.ProcessedEmail, 0, len(m.records))
	for _, r := range m.records {
		if state == "" || r.State == state {
			out = append(out, *r.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ProcessedAt.Equal(out[j].ProcessedAt) {
			return out[i].Email.ID < out[j].Email.ID
		}
		return out[i].ProcessedAt.After(out[j].ProcessedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListSince returns every record processed at or after since, oldest first.
func (m *MemoryEmailStore) ListSince(_ context.Context, since time.Time) ([]models.ProcessedEmail, error) {
	m.mu.RLock()
	out := make([]models.ProcessedEmail, 0, len(m.records))
	for _, r := range m.records {
		if !r.ProcessedAt.Before(since) {
			out = append(out, *r.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ProcessedAt.Equal(out[j].ProcessedAt) {
			return out[i].Email.ID < out[j].Email.ID
		}
		return out[i].ProcessedAt.Before(out[j].ProcessedAt)
	})
	return out, nil
}

// Len returns the number of distinct records.
func (m *MemoryEmailStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Upserts returns how many writes the store has accepted.
func (m *MemoryEmailStore) Upserts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.upserts
}

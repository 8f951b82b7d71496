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
	"sync"

	"github.com/bcem/autoresponder/internal/models"
)

// MemoryBackend keeps credentials in process memory.
type MemoryBackend struct {
	mu    sync.RWMutex
	creds map[string]models.OAuthCredential
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{creds: make(map[string]models.OAuthCredential)}
}

func (m *MemoryBackend) Load(_ context.Context, principalID string) (*models.OAuthCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.creds[principalID]
	if !ok {
		return nil, ErrNotFound
	}
	return &cred, nil
}

func (m *MemoryBackend) Save(_ context.Context, cred models.OAuthCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[cred.PrincipalID] = cred
	return nil
}

// Copyright 2025 Qwengate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blob

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used in tests and when no Redis is
// configured. TTL expiry is checked lazily on read.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	Now     func() time.Time
}

type memoryEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: map[string]memoryEntry{},
		Now:     time.Now,
	}
}

// Get returns the value for key, or nil if missing or expired.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if !e.expires.IsZero() && !s.Now().Before(e.expires) {
		delete(s.entries, key)
		return nil, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set overwrites key with value.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = s.Now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

// Delete removes key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// ListPrefix returns the names of all live keys starting with prefix.
func (s *MemoryStore) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	now := s.Now()
	for k, e := range s.entries {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Acquire attempts to take the named lock.
func (s *MemoryStore) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	key := lockPrefix + name
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		if e.expires.IsZero() || s.Now().Before(e.expires) {
			return "", nil
		}
	}
	token := uuid.New().String()
	e := memoryEntry{value: []byte(token)}
	if ttl > 0 {
		e.expires = s.Now().Add(ttl)
	}
	s.entries[key] = e
	return token, nil
}

// Release drops the named lock if token still owns it.
func (s *MemoryStore) Release(ctx context.Context, name string, token string) error {
	key := lockPrefix + name
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && string(e.value) == token {
		delete(s.entries, key)
	}
	return nil
}

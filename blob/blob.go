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

// Package blob abstracts the key-value store that holds account credentials
// and the distributed refresh locks. TTLs are advisory and expiration is
// best-effort. Locks are used exclusively to serialize credential refresh
// across stateless instances; a failed lock degrades to a possibly duplicate
// refresh, never to stale credentials.
package blob

import (
	"context"
	"time"
)

// lockPrefix namespaces lock keys away from credential keys.
const lockPrefix = "lock:"

// A Store is a key-value store with TTL, prefix listing, and a best-effort
// distributed lock.
type Store interface {
	// Get returns the value for key, or nil if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set overwrites key with value. A zero ttl means no expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ListPrefix returns the names of all keys starting with prefix.
	ListPrefix(ctx context.Context, prefix string) ([]string, error)

	// Acquire attempts to take the named lock for ttl and returns a release
	// token, or "" if the lock is held elsewhere. It must not block.
	Acquire(ctx context.Context, name string, ttl time.Duration) (string, error)

	// Release drops the named lock if token still owns it.
	Release(ctx context.Context, name string, token string) error
}

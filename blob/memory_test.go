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
	"sort"
	"testing"
	"time"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if v, err := s.Get(ctx, "missing"); err != nil || v != nil {
		t.Errorf("missing key got: %v, %v, want nil, nil", v, err)
	}

	if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "v" {
		t.Errorf("got %q, want %q", v, "v")
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Get(ctx, "k"); v != nil {
		t.Errorf("deleted key got: %q, want nil", v)
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Unix(1700000000, 0)
	s.Now = func() time.Time { return now }

	s.Set(ctx, "k", []byte("v"), time.Minute)
	if v, _ := s.Get(ctx, "k"); v == nil {
		t.Error("live key got nil")
	}

	now = now.Add(time.Minute)
	if v, _ := s.Get(ctx, "k"); v != nil {
		t.Errorf("expired key got: %q, want nil", v)
	}
}

func TestMemoryStoreListPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	s.Set(ctx, "qwen_creds_aaaa1111.json", nil, 0)
	s.Set(ctx, "qwen_creds_bbbb2222.json", nil, 0)
	s.Set(ctx, "other_key", nil, 0)

	keys, err := s.ListPrefix(ctx, "qwen_creds_")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(keys)
	want := []string{"qwen_creds_aaaa1111.json", "qwen_creds_bbbb2222.json"}
	if len(keys) != len(want) {
		t.Fatalf("got %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("got %v, want %v", keys, want)
		}
	}
}

func TestMemoryStoreLock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Unix(1700000000, 0)
	s.Now = func() time.Time { return now }

	token, err := s.Acquire(ctx, "token_refresh:x", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if token == "" {
		t.Fatal("first acquire got empty token")
	}

	// second acquire while held fails
	if t2, _ := s.Acquire(ctx, "token_refresh:x", time.Minute); t2 != "" {
		t.Errorf("contended acquire got %q, want empty", t2)
	}

	// release with wrong token is a no-op
	s.Release(ctx, "token_refresh:x", "wrong")
	if t2, _ := s.Acquire(ctx, "token_refresh:x", time.Minute); t2 != "" {
		t.Errorf("acquire after bad release got %q, want empty", t2)
	}

	// proper release frees the lock
	if err := s.Release(ctx, "token_refresh:x", token); err != nil {
		t.Fatal(err)
	}
	if t2, _ := s.Acquire(ctx, "token_refresh:x", time.Minute); t2 == "" {
		t.Error("acquire after release got empty token")
	}

	// lock expiry frees the lock
	now = now.Add(2 * time.Minute)
	if t2, _ := s.Acquire(ctx, "token_refresh:x", time.Minute); t2 == "" {
		t.Error("acquire after expiry got empty token")
	}
}

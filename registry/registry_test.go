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

package registry

import (
	"context"
	"testing"

	"github.com/qwengate/qwengate/sqlstore"
)

func newTestRegistry(t *testing.T) (*Registry, *sqlstore.Store) {
	t.Helper()
	db, err := sqlstore.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), db
}

func TestUpsertPreservesAlias(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Rename(ctx, "acct-a", "work"); err != nil {
		t.Fatal(err)
	}
	if err := r.Upsert(ctx, "acct-a"); err != nil {
		t.Fatal(err)
	}

	aliases, err := r.Aliases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if aliases["acct-a"] != "work" {
		t.Errorf("alias got: %q, want: work", aliases["acct-a"])
	}
}

func TestUpsertCanonicalizesLegacyIDs(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Upsert(ctx, "./qwen_creds_a.json"); err != nil {
		t.Fatal(err)
	}
	recs, err := r.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != "qwen_creds_a.json" {
		t.Errorf("records got: %+v", recs)
	}
}

func TestDelete(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Upsert(ctx, "acct-a"); err != nil {
		t.Fatal(err)
	}
	if err := r.Delete(ctx, "acct-a"); err != nil {
		t.Fatal(err)
	}
	recs, err := r.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("records got: %+v", recs)
	}
}

func TestSelfHealFromUsageHistory(t *testing.T) {
	r, db := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"acct-a", "acct-b"} {
		_, err := db.ExecContext(ctx,
			`INSERT INTO usage_stats (date, provider_id, kind, count) VALUES ('2025-06-01', ?, 'chat', 5)`,
			id)
		if err != nil {
			t.Fatal(err)
		}
	}

	if err := r.SelfHeal(ctx); err != nil {
		t.Fatal(err)
	}
	recs, err := r.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("records got: %d, want: 2", len(recs))
	}
	if recs[0].ID != "acct-a" || recs[1].ID != "acct-b" {
		t.Errorf("ids got: %v, %v", recs[0].ID, recs[1].ID)
	}
}

func TestSelfHealNoopWhenPopulated(t *testing.T) {
	r, db := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Upsert(ctx, "acct-a"); err != nil {
		t.Fatal(err)
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO usage_stats (date, provider_id, kind, count) VALUES ('2025-06-01', 'acct-b', 'chat', 5)`)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.SelfHeal(ctx); err != nil {
		t.Fatal(err)
	}
	recs, err := r.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("records got: %d, want: 1", len(recs))
	}
}

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

// Package registry is the durable table of known account IDs and aliases.
// The registry, not the credential blob, is the source of truth for aliases.
package registry

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/qwengate/qwengate/log"
	"github.com/qwengate/qwengate/sqlstore"
)

// Record is one known provider account.
type Record struct {
	ID        string `db:"id"`
	Alias     string `db:"alias"`
	UpdatedAt int64  `db:"updated_at"`
}

// Registry reads and writes the providers table.
type Registry struct {
	db  *sqlstore.Store
	now func() time.Time
}

// New returns a Registry over db.
func New(db *sqlstore.Store) *Registry {
	return &Registry{db: db, now: time.Now}
}

// CanonicalID strips the legacy "./" prefix from a credential key.
func CanonicalID(id string) string {
	return strings.TrimPrefix(id, "./")
}

// List returns all known records.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	var recs []Record
	err := r.db.SelectContext(ctx, &recs,
		`SELECT id, COALESCE(alias, '') AS alias, updated_at FROM providers ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list providers")
	}
	return recs, nil
}

// Upsert records id, preserving any existing alias.
func (r *Registry) Upsert(ctx context.Context, id string) error {
	id = CanonicalID(id)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO providers (id, updated_at) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET updated_at = excluded.updated_at`,
		id, r.now().Unix())
	return errors.Wrapf(err, "upsert provider %s", id)
}

// Rename sets the alias for id.
func (r *Registry) Rename(ctx context.Context, id, alias string) error {
	id = CanonicalID(id)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO providers (id, alias, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET alias = excluded.alias, updated_at = excluded.updated_at`,
		id, alias, r.now().Unix())
	return errors.Wrapf(err, "rename provider %s", id)
}

// Delete removes id.
func (r *Registry) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, CanonicalID(id))
	return errors.Wrapf(err, "delete provider %s", id)
}

// SelfHeal bootstraps the registry from historical usage rows when it is
// empty. A fresh deploy against a populated audit store then sees its
// accounts on the first light scan instead of an empty pool.
func (r *Registry) SelfHeal(ctx context.Context) error {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM providers`); err != nil {
		return errors.Wrap(err, "count providers")
	}
	if n > 0 {
		return nil
	}

	var ids []string
	err := r.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT provider_id FROM usage_stats ORDER BY provider_id`)
	if err != nil {
		return errors.Wrap(err, "usage provider ids")
	}
	if len(ids) == 0 {
		return nil
	}

	stmts := make([]sqlstore.Statement, 0, len(ids))
	for _, id := range ids {
		stmts = append(stmts, sqlstore.Statement{
			Query: `INSERT INTO providers (id, updated_at) VALUES (?, ?)
				ON CONFLICT (id) DO NOTHING`,
			Args: []interface{}{CanonicalID(id), r.now().Unix()},
		})
	}
	if err := r.db.ExecBatch(ctx, stmts); err != nil {
		return err
	}
	log.Infof("registry self-healed %d providers from usage history", len(ids))
	return nil
}

// Aliases returns the id -> alias map, omitting empty aliases.
func (r *Registry) Aliases(ctx context.Context) (map[string]string, error) {
	recs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	aliases := map[string]string{}
	for _, rec := range recs {
		if rec.Alias != "" {
			aliases[rec.ID] = rec.Alias
		}
	}
	return aliases, nil
}

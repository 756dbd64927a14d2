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

// Package sqlstore owns the relational tables behind quota accounting and the
// provider registry. All write paths are additive upserts
// (INSERT ... ON CONFLICT ... DO UPDATE SET col = col + excluded.col), which
// keeps counters convergent under concurrent writers on other instances.
package sqlstore

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/qwengate/qwengate/log"
)

// Store wraps the relational database.
type Store struct {
	*sqlx.DB
}

// Statement is one parameterized statement in a batch.
type Statement struct {
	Query string
	Args  []interface{}
}

// Open opens the database at dsn and materializes the schema. The schema is
// idempotent, so cold starts against an existing database are safe.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", dsn)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &Store{DB: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS usage_stats (
			date        TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			kind        TEXT NOT NULL,
			count       INTEGER NOT NULL DEFAULT 0,
			UNIQUE (date, provider_id, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS request_audit_minute (
			minute_bucket TEXT NOT NULL,
			provider_id   TEXT NOT NULL,
			kind          TEXT NOT NULL,
			outcome       TEXT NOT NULL,
			count         INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (minute_bucket, provider_id, kind, outcome)
		)`,
		`CREATE TABLE IF NOT EXISTS global_monitor (
			key   TEXT PRIMARY KEY,
			value INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS providers (
			id         TEXT PRIMARY KEY,
			alias      TEXT,
			updated_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_minute
			ON request_audit_minute (minute_bucket DESC)`,
	}
	for _, q := range schema {
		if _, err := s.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "ensure schema")
		}
	}
	return nil
}

// ExecBatch runs the statements in a single transaction, in order.
func (s *Store) ExecBatch(ctx context.Context, stmts []Statement) error {
	if len(stmts) == 0 {
		return nil
	}
	tx, err := s.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin batch")
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.Query, st.Args...); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Errorf("batch rollback: %v", rbErr)
			}
			return errors.Wrapf(err, "batch exec: %s", st.Query)
		}
	}
	return errors.Wrap(tx.Commit(), "commit batch")
}

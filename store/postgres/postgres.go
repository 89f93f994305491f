// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package postgres implements [store.Store] on top of a PostgreSQL JSONB table.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/z5labs/avconnector/avdoc"
	"github.com/z5labs/avconnector/store"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultTable is the table documents are written to unless overridden.
const DefaultTable = "av_docs"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Option configures a [Store].
type Option func(*Store)

// Table overrides the table name.
func Table(name string) Option {
	return func(s *Store) {
		s.table = pgx.Identifier{name}.Sanitize()
	}
}

// Store is a [store.Store] which keeps each document as a JSONB value
// keyed by its identity string.
type Store struct {
	db    querier
	table string
}

// New initializes a [Store] backed by the given pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	return newStore(pool, opts...)
}

func newStore(db querier, opts ...Option) *Store {
	s := &Store{
		db:    db,
		table: pgx.Identifier{DefaultTable}.Sanitize(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the document table unless it already exists.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id text PRIMARY KEY,
	doc jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`, s.table))
	if err != nil {
		return classify("migrate", s.table, err)
	}
	return nil
}

// Exists implements the [store.Store] interface.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(
		ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.table),
		id,
	).Scan(&exists)
	if err != nil {
		return false, classify("exists", id, err)
	}
	return exists, nil
}

// WriteInitial implements the [store.Store] interface.
func (s *Store) WriteInitial(ctx context.Context, id string, doc avdoc.Document) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		ctx,
		fmt.Sprintf(`INSERT INTO %s (id, doc, updated_at) VALUES ($1, $2::jsonb, now())
ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`, s.table),
		id,
		string(b),
	)
	if err != nil {
		return classify("write", id, err)
	}
	return nil
}

// Patch implements the [store.Store] interface.
func (s *Store) Patch(ctx context.Context, id string, patch avdoc.EnrichmentPatch) error {
	b, err := json.Marshal(patch)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(
		ctx,
		fmt.Sprintf(`UPDATE %s SET doc = doc || $2::jsonb, updated_at = now() WHERE id = $1`, s.table),
		id,
		string(b),
	)
	if err != nil {
		return classify("patch", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: patch %s", store.ErrNotFound, id)
	}
	return nil
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	err := s.db.Ping(ctx)
	if err != nil {
		return fmt.Errorf("%w: ping: %w", store.ErrUnavailable, err)
	}
	return nil
}

const (
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

func classify(op, id string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case serializationFailure, deadlockDetected:
			return fmt.Errorf("%w: %s %s: %w", store.ErrConflict, op, id, err)
		}
	}
	return fmt.Errorf("%w: %s %s: %w", store.ErrUnavailable, op, id, err)
}

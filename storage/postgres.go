// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package storage

import (
	"context"
	"database/sql"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/pkg/errors"
)

const defaultTable = "mcp_kv"

// PostgresStore keeps values in a single key-value table.
type PostgresStore struct {
	db      *sqlx.DB
	table   string
	builder sq.StatementBuilderType
	writeMu sync.Mutex
}

// OpenPostgresStore connects with the lib/pq driver and makes sure the table exists.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to reach database")
	}

	store := NewPostgresStore(db, defaultTable)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func NewPostgresStore(db *sqlx.DB, table string) *PostgresStore {
	if table == "" {
		table = defaultTable
	}
	return &PostgresStore{
		db:      db,
		table:   table,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (s *PostgresStore) schemaSQL() string {
	return `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
	key TEXT PRIMARY KEY,
	value BYTEA NOT NULL,
	updated_at BIGINT NOT NULL
)`
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.schemaSQL()); err != nil {
		return errors.Wrapf(err, "failed to create table %s", s.table)
	}
	return nil
}

func (s *PostgresStore) getQuery(key string) sq.SelectBuilder {
	return s.builder.Select("value").From(s.table).Where(sq.Eq{"key": key})
}

func (s *PostgresStore) setQuery(key string, value []byte, now time.Time) sq.InsertBuilder {
	return s.builder.Insert(s.table).
		Columns("key", "value", "updated_at").
		Values(key, value, now.UnixMilli()).
		Suffix("ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at")
}

func (s *PostgresStore) deleteQuery(key string) sq.DeleteBuilder {
	return s.builder.Delete(s.table).Where(sq.Eq{"key": key})
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	query, args, err := s.getQuery(key).ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build select query")
	}

	var value []byte
	if err := s.db.GetContext(ctx, &value, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to get key %s", key)
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query, args, err := s.setQuery(key, value, time.Now()).ToSql()
	if err != nil {
		return errors.Wrap(err, "failed to build upsert query")
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "failed to set key %s", key)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query, args, err := s.deleteQuery(key).ToSql()
	if err != nil {
		return errors.Wrap(err, "failed to build delete query")
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "failed to delete key %s", key)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

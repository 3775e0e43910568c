// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
)

// pool abstracts pgxpool.Pool so unit tests can substitute pgxmock.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	pool pool
}

// NewPostgresStore connects to the database and returns a store backed
// by it. Run Migrator.Up before first use.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.In("store").With("operation", "connect").Wrap(err)
	}
	return &PostgresStore{pool: p}, nil
}

// NewPostgresStoreWithPool wraps an existing pool. Used by tests.
func NewPostgresStoreWithPool(p pool) *PostgresStore {
	return &PostgresStore{pool: p}
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Get returns the value for a key, or (nil, nil) when absent.
func (s *PostgresStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM extension_storage WHERE namespace = $1 AND key = $2`,
		namespace, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, oops.In("store").With("namespace", namespace).With("key", key).
			With("operation", "get").Wrap(err)
	}
	return value, nil
}

// Set stores a value under a key, replacing any previous value.
func (s *PostgresStore) Set(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO extension_storage (namespace, key, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (namespace, key)
		 DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		namespace, key, value)
	if err != nil {
		return oops.In("store").With("namespace", namespace).With("key", key).
			With("operation", "set").Wrap(err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *PostgresStore) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM extension_storage WHERE namespace = $1 AND key = $2`,
		namespace, key)
	if err != nil {
		return oops.In("store").With("namespace", namespace).With("key", key).
			With("operation", "delete").Wrap(err)
	}
	return nil
}

// Keys returns every key in a namespace in sorted order.
func (s *PostgresStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM extension_storage WHERE namespace = $1 ORDER BY key`,
		namespace)
	if err != nil {
		return nil, oops.In("store").With("namespace", namespace).
			With("operation", "keys").Wrap(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, oops.In("store").With("operation", "scan key row").Wrap(err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.In("store").With("operation", "iterate keys").Wrap(err)
	}
	return keys, nil
}

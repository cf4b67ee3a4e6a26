// Copyright 2026 The Tunneld Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package postgres implements the gateway's LogStore and CredentialStore on
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/segmentio/encoding/json"

	"github.com/tunneld/tunneld/gateway"
)

// Store implements gateway.LogStore and gateway.CredentialStore against the
// request_logs and request_log_credentials tables.
type Store struct {
	db *sql.DB
}

// Open connects to databaseURL and verifies the connection.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert implements gateway.LogStore.
func (s *Store) Insert(ctx context.Context, entry *gateway.RequestLog) error {
	requestHeaders, err := json.Marshal(entry.RequestHeaders)
	if err != nil {
		return fmt.Errorf("encode request headers: %w", err)
	}
	responseHeaders, err := json.Marshal(entry.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("encode response headers: %w", err)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	const q = `INSERT INTO request_logs
		(hostname, path, method, request_headers, request_body, response_status, response_headers, response_body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`
	err = s.db.QueryRowContext(ctx, q,
		entry.Hostname, entry.Path, entry.Method,
		string(requestHeaders), entry.RequestBody,
		entry.ResponseStatus, string(responseHeaders), entry.ResponseBody,
		createdAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	entry.CreatedAt = createdAt
	return nil
}

// FindRecentByHostname implements gateway.LogStore.
func (s *Store) FindRecentByHostname(ctx context.Context, hostname string, limit int) ([]*gateway.RequestLog, error) {
	const q = `SELECT id, hostname, path, method, request_headers, request_body, response_status, response_headers, response_body, created_at
		FROM request_logs
		WHERE hostname = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, q, hostname, limit)
	if err != nil {
		return nil, fmt.Errorf("query request logs: %w", err)
	}
	defer rows.Close()

	var out []*gateway.RequestLog
	for rows.Next() {
		entry, err := scanRequestLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate request logs: %w", err)
	}
	return out, nil
}

// FindByID implements gateway.LogStore.
func (s *Store) FindByID(ctx context.Context, id int64) (*gateway.RequestLog, error) {
	const q = `SELECT id, hostname, path, method, request_headers, request_body, response_status, response_headers, response_body, created_at
		FROM request_logs
		WHERE id = $1`
	entry, err := scanRequestLog(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DeleteByHostname implements gateway.LogStore.
func (s *Store) DeleteByHostname(ctx context.Context, hostname string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_logs WHERE hostname = $1`, hostname)
	if err != nil {
		return 0, fmt.Errorf("delete request logs: %w", err)
	}
	return res.RowsAffected()
}

// DeleteOlderThan implements gateway.LogStore.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune request logs: %w", err)
	}
	return res.RowsAffected()
}

// Upsert implements gateway.CredentialStore.
func (s *Store) Upsert(ctx context.Context, hostname, password string) error {
	const q = `INSERT INTO request_log_credentials (hostname, password, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (hostname) DO UPDATE SET password = EXCLUDED.password, updated_at = now()`
	if _, err := s.db.ExecContext(ctx, q, hostname, password); err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// Get implements gateway.CredentialStore.
func (s *Store) Get(ctx context.Context, hostname string) (string, error) {
	var password string
	err := s.db.QueryRowContext(ctx, `SELECT password FROM request_log_credentials WHERE hostname = $1`, hostname).Scan(&password)
	if errors.Is(err, sql.ErrNoRows) {
		return "", gateway.ErrNoCredential
	}
	if err != nil {
		return "", fmt.Errorf("query credential: %w", err)
	}
	return password, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequestLog(row rowScanner) (*gateway.RequestLog, error) {
	var (
		entry           gateway.RequestLog
		requestHeaders  string
		responseHeaders string
		responseStatus  sql.NullInt64
	)
	err := row.Scan(
		&entry.ID, &entry.Hostname, &entry.Path, &entry.Method,
		&requestHeaders, &entry.RequestBody,
		&responseStatus, &responseHeaders, &entry.ResponseBody,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(requestHeaders), &entry.RequestHeaders); err != nil {
		return nil, fmt.Errorf("decode request headers: %w", err)
	}
	if err := json.Unmarshal([]byte(responseHeaders), &entry.ResponseHeaders); err != nil {
		return nil, fmt.Errorf("decode response headers: %w", err)
	}
	entry.ResponseStatus = int(responseStatus.Int64)
	return &entry, nil
}

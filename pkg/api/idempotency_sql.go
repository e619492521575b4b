package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const idempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	status_code BIGINT NOT NULL,
	headers TEXT NOT NULL DEFAULT '{}',
	body TEXT NOT NULL DEFAULT '',
	cached_at TIMESTAMP NOT NULL
);
`

// SQLIdempotencyStore persists idempotency keys so replay survives process
// restarts. It works against PostgreSQL and SQLite with the same statements.
type SQLIdempotencyStore struct {
	db    *sql.DB
	ttl   time.Duration
	clock func() time.Time
}

// NewSQLIdempotencyStore creates a durable store whose entries expire after
// ttl.
func NewSQLIdempotencyStore(db *sql.DB, ttl time.Duration) *SQLIdempotencyStore {
	return &SQLIdempotencyStore{db: db, ttl: ttl, clock: time.Now}
}

// WithClock overrides the time source. Used in tests.
func (s *SQLIdempotencyStore) WithClock(clock func() time.Time) *SQLIdempotencyStore {
	s.clock = clock
	return s
}

// Init creates the idempotency_keys table if it does not exist.
func (s *SQLIdempotencyStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, idempotencySchema); err != nil {
		return fmt.Errorf("create idempotency schema: %w", err)
	}
	return nil
}

// Check implements IdempotencyStore. Expired rows are deleted on read.
func (s *SQLIdempotencyStore) Check(ctx context.Context, key string) (*cachedResponse, bool, error) {
	var (
		statusCode int
		headersRaw string
		body       []byte
		cachedAt   time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, headers, body, cached_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&statusCode, &headersRaw, &body, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("check idempotency key: %w", err)
	}

	if s.clock().Sub(cachedAt) > s.ttl {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false, nil
	}

	headers := make(http.Header)
	if err := json.Unmarshal([]byte(headersRaw), &headers); err != nil {
		return nil, false, fmt.Errorf("decode cached headers: %w", err)
	}
	return &cachedResponse{
		StatusCode: statusCode,
		Headers:    headers,
		Body:       body,
		CachedAt:   cachedAt,
	}, true, nil
}

// Set implements IdempotencyStore.
func (s *SQLIdempotencyStore) Set(ctx context.Context, key string, statusCode int, headers http.Header, body []byte) error {
	headersRaw, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, status_code, headers, body, cached_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE SET status_code = $2, headers = $3, body = $4, cached_at = $5`,
		key, statusCode, string(headersRaw), body, s.clock().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store idempotency key: %w", err)
	}
	return nil
}

// Cleanup deletes rows older than the TTL. Callers run it periodically;
// Check also deletes expired rows lazily.
func (s *SQLIdempotencyStore) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE cached_at < $1`,
		s.clock().UTC().Add(-s.ttl),
	)
	if err != nil {
		return fmt.Errorf("cleanup idempotency keys: %w", err)
	}
	return nil
}

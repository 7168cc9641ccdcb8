// Package db provides database connection helpers, schema migration, and small data access helpers.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// ErrNotFound is returned by lookups for a row that does not exist.
var ErrNotFound = errors.New("not found")

// Connect opens a Postgres connection pool for dsn and verifies it answers.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("empty database dsn")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	database.SetMaxOpenConns(20)
	database.SetMaxIdleConns(5)
	database.SetConnMaxIdleTime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := database.PingContext(pctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return database, nil
}

// UpsertOAuthToken stores or updates an OAuth token for a provider (e.g., youtube).
func UpsertOAuthToken(ctx context.Context, dbx *sql.DB, provider, access, refresh string, expiry time.Time, raw, scope string) error {
	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, raw, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=CASE WHEN EXCLUDED.refresh_token = '' THEN oauth_tokens.refresh_token ELSE EXCLUDED.refresh_token END,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    raw=EXCLUDED.raw,
		    updated_at=NOW()`
	_, err := dbx.ExecContext(ctx, q, provider, access, refresh, expiry, scope, raw)
	if err != nil {
		return fmt.Errorf("upsert oauth token: %w", err)
	}
	return nil
}

// GetOAuthToken retrieves a stored token row; returns zero values if not found.
func GetOAuthToken(ctx context.Context, dbx *sql.DB, provider string) (access, refresh string, expiry time.Time, raw string, err error) {
	var exp sql.NullTime
	row := dbx.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, raw FROM oauth_tokens WHERE provider = $1`, provider)
	err = row.Scan(&access, &refresh, &exp, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", fmt.Errorf("get oauth token: %w", err)
	}
	if exp.Valid {
		expiry = exp.Time
	}
	return access, refresh, expiry, raw, nil
}

// TokenStoreAdapter implements youtubeapi.TokenStore on top of the oauth_tokens table.
type TokenStoreAdapter struct{ DB *sql.DB }

func (t *TokenStoreAdapter) UpsertOAuthToken(ctx context.Context, provider, accessToken, refreshToken string, expiry time.Time, raw string) error {
	return UpsertOAuthToken(ctx, t.DB, provider, accessToken, refreshToken, expiry, raw, "")
}

func (t *TokenStoreAdapter) GetOAuthToken(ctx context.Context, provider string) (accessToken, refreshToken string, expiry time.Time, raw string, err error) {
	return GetOAuthToken(ctx, t.DB, provider)
}

// SetKV stores a small piece of service state.
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES($1,$2,NOW())
		 ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	if err != nil {
		return fmt.Errorf("set kv %s: %w", key, err)
	}
	return nil
}

// GetKV returns the value for key and when it was written. A missing key
// yields ErrNotFound.
func GetKV(ctx context.Context, dbx *sql.DB, key string) (string, time.Time, error) {
	var (
		value   sql.NullString
		updated sql.NullTime
	)
	err := dbx.QueryRowContext(ctx, `SELECT value, updated_at FROM kv WHERE key=$1`, key).Scan(&value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("get kv %s: %w", key, err)
	}
	return value.String, updated.Time, nil
}

// DeleteKV removes key; deleting a missing key is not an error.
func DeleteKV(ctx context.Context, dbx *sql.DB, key string) error {
	if _, err := dbx.ExecContext(ctx, `DELETE FROM kv WHERE key=$1`, key); err != nil {
		return fmt.Errorf("delete kv %s: %w", key, err)
	}
	return nil
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// VOD is a recorded broadcast known to the service.
type VOD struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	SourceURL       string     `json:"source_url"`
	DurationSeconds int        `json:"duration_seconds"`
	Date            time.Time  `json:"date"`
	AnalyzedAt      *time.Time `json:"analyzed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// DurationMs returns the VOD length in milliseconds.
func (v VOD) DurationMs() int64 { return int64(v.DurationSeconds) * 1000 }

const vodColumns = `id, title, source_url, duration_seconds, COALESCE(date, to_timestamp(0)), analyzed_at, created_at, updated_at`

func scanVOD(r interface{ Scan(...any) error }) (VOD, error) {
	var (
		v        VOD
		analyzed sql.NullTime
	)
	if err := r.Scan(&v.ID, &v.Title, &v.SourceURL, &v.DurationSeconds, &v.Date, &analyzed, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return VOD{}, err
	}
	if analyzed.Valid {
		t := analyzed.Time
		v.AnalyzedAt = &t
	}
	return v, nil
}

// UpsertVOD inserts a VOD or refreshes its metadata. Empty fields and a zero
// duration never overwrite stored values.
func UpsertVOD(ctx context.Context, dbx *sql.DB, v VOD) error {
	var date sql.NullTime
	if !v.Date.IsZero() {
		date = sql.NullTime{Time: v.Date, Valid: true}
	}
	_, err := dbx.ExecContext(ctx, `
		INSERT INTO vods (id, title, source_url, duration_seconds, date, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,NOW(),NOW())
		ON CONFLICT (id) DO UPDATE SET
			title=CASE WHEN EXCLUDED.title = '' THEN vods.title ELSE EXCLUDED.title END,
			source_url=CASE WHEN EXCLUDED.source_url = '' THEN vods.source_url ELSE EXCLUDED.source_url END,
			duration_seconds=CASE WHEN EXCLUDED.duration_seconds = 0 THEN vods.duration_seconds ELSE EXCLUDED.duration_seconds END,
			date=COALESCE(EXCLUDED.date, vods.date),
			updated_at=NOW()`,
		v.ID, v.Title, v.SourceURL, v.DurationSeconds, date)
	if err != nil {
		return fmt.Errorf("upsert vod %s: %w", v.ID, err)
	}
	return nil
}

// GetVOD loads one VOD by id.
func GetVOD(ctx context.Context, dbx *sql.DB, id string) (VOD, error) {
	v, err := scanVOD(dbx.QueryRowContext(ctx, `SELECT `+vodColumns+` FROM vods WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return VOD{}, ErrNotFound
	}
	if err != nil {
		return VOD{}, fmt.Errorf("get vod %s: %w", id, err)
	}
	return v, nil
}

// ListVODs returns VODs newest first.
func ListVODs(ctx context.Context, dbx *sql.DB, limit, offset int) ([]VOD, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := dbx.QueryContext(ctx, `SELECT `+vodColumns+` FROM vods ORDER BY date DESC NULLS LAST, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list vods: %w", err)
	}
	defer rows.Close()
	out := []VOD{}
	for rows.Next() {
		v, err := scanVOD(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vod: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SetVODDuration records the authoritative duration of a VOD.
func SetVODDuration(ctx context.Context, dbx *sql.DB, id string, seconds int) error {
	res, err := dbx.ExecContext(ctx, `UPDATE vods SET duration_seconds=$2, updated_at=NOW() WHERE id=$1`, id, seconds)
	if err != nil {
		return fmt.Errorf("set vod duration: %w", err)
	}
	return requireRow(res)
}

// MarkVODAnalyzed stamps the time of the latest completed analysis.
func MarkVODAnalyzed(ctx context.Context, dbx *sql.DB, id string, at time.Time) error {
	res, err := dbx.ExecContext(ctx, `UPDATE vods SET analyzed_at=$2, updated_at=NOW() WHERE id=$1`, id, at)
	if err != nil {
		return fmt.Errorf("mark vod analyzed: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

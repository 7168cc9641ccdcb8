package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Clip is a materialized highlight on disk.
type Clip struct {
	ID              string    `json:"id"`
	VODID           string    `json:"vod_id"`
	HighlightIndex  int       `json:"highlight_index"`
	StartMs         int64     `json:"start_ms"`
	EndMs           int64     `json:"end_ms"`
	Format          string    `json:"format"`
	Resolution      string    `json:"resolution"`
	Path            string    `json:"path"`
	ThumbnailPath   string    `json:"thumbnail_path,omitempty"`
	DurationSeconds float64   `json:"duration_seconds"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	YouTubeURL      string    `json:"youtube_url,omitempty"`
	JobID           string    `json:"job_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

const clipColumns = `id, vod_id, highlight_idx, start_ms, end_ms, format, resolution, path, thumbnail_path, duration_seconds, width, height, youtube_url, job_id, created_at`

func scanClip(r interface{ Scan(...any) error }) (Clip, error) {
	var c Clip
	err := r.Scan(&c.ID, &c.VODID, &c.HighlightIndex, &c.StartMs, &c.EndMs, &c.Format, &c.Resolution, &c.Path,
		&c.ThumbnailPath, &c.DurationSeconds, &c.Width, &c.Height, &c.YouTubeURL, &c.JobID, &c.CreatedAt)
	return c, err
}

// InsertClip stores a new clip row.
func InsertClip(ctx context.Context, dbx *sql.DB, c Clip) error {
	_, err := dbx.ExecContext(ctx, `
		INSERT INTO clips (id, vod_id, highlight_idx, start_ms, end_ms, format, resolution, path, thumbnail_path, duration_seconds, width, height, job_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		c.ID, c.VODID, c.HighlightIndex, c.StartMs, c.EndMs, c.Format, c.Resolution, c.Path, c.ThumbnailPath,
		c.DurationSeconds, c.Width, c.Height, c.JobID)
	if err != nil {
		return fmt.Errorf("insert clip: %w", err)
	}
	return nil
}

// GetClip loads one clip by id.
func GetClip(ctx context.Context, dbx *sql.DB, id string) (Clip, error) {
	c, err := scanClip(dbx.QueryRowContext(ctx, `SELECT `+clipColumns+` FROM clips WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Clip{}, ErrNotFound
	}
	if err != nil {
		return Clip{}, fmt.Errorf("get clip: %w", err)
	}
	return c, nil
}

// ListClips returns a VOD's clips ordered by highlight then creation time.
func ListClips(ctx context.Context, dbx *sql.DB, vodID string) ([]Clip, error) {
	rows, err := dbx.QueryContext(ctx, `SELECT `+clipColumns+` FROM clips WHERE vod_id=$1 ORDER BY highlight_idx, created_at`, vodID)
	if err != nil {
		return nil, fmt.Errorf("list clips: %w", err)
	}
	defer rows.Close()
	out := []Clip{}
	for rows.Next() {
		c, err := scanClip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan clip: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetClipYouTubeURL records where a clip was published.
func SetClipYouTubeURL(ctx context.Context, dbx *sql.DB, id, url string) error {
	res, err := dbx.ExecContext(ctx, `UPDATE clips SET youtube_url=$2 WHERE id=$1`, id, url)
	if err != nil {
		return fmt.Errorf("set clip youtube url: %w", err)
	}
	return requireRow(res)
}

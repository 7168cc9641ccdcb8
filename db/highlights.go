package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/clip-tender/highlight"
)

// Highlight is a stored detection result, addressed by (VODID, Index).
type Highlight struct {
	VODID string `json:"vod_id"`
	Index int    `json:"index"`
	highlight.Moment
	CreatedAt time.Time `json:"created_at"`
}

const highlightColumns = `vod_id, idx, start_ms, end_ms, confidence, reason, sentiment, message_count, unique_users, peak_rate, keywords::text, emotes::text, created_at`

func scanHighlight(r interface{ Scan(...any) error }) (Highlight, error) {
	var (
		h              Highlight
		keywords, emos string
	)
	if err := r.Scan(&h.VODID, &h.Index, &h.StartMs, &h.EndMs, &h.Confidence, &h.Reason, &h.Sentiment,
		&h.MessageCount, &h.UniqueUsers, &h.PeakRate, &keywords, &emos, &h.CreatedAt); err != nil {
		return Highlight{}, err
	}
	if err := json.Unmarshal([]byte(keywords), &h.Keywords); err != nil {
		return Highlight{}, fmt.Errorf("decode keywords: %w", err)
	}
	if err := json.Unmarshal([]byte(emos), &h.Emotes); err != nil {
		return Highlight{}, fmt.Errorf("decode emotes: %w", err)
	}
	return h, nil
}

func jsonList(s []string) string {
	if len(s) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(s)
	return string(b)
}

// ReplaceHighlights swaps a VOD's stored highlights for moments in one
// transaction. Moment i is stored with index i.
func ReplaceHighlights(ctx context.Context, dbx *sql.DB, vodID string, moments []highlight.Moment) error {
	tx, err := dbx.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace highlights: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM highlights WHERE vod_id=$1`, vodID); err != nil {
		return fmt.Errorf("clear highlights: %w", err)
	}
	for i, m := range moments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO highlights (vod_id, idx, start_ms, end_ms, confidence, reason, sentiment, message_count, unique_users, peak_rate, keywords, emotes)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::jsonb,$12::jsonb)`,
			vodID, i, m.StartMs, m.EndMs, m.Confidence, m.Reason, m.Sentiment, m.MessageCount, m.UniqueUsers, m.PeakRate,
			jsonList(m.Keywords), jsonList(m.Emotes))
		if err != nil {
			return fmt.Errorf("insert highlight %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit highlights: %w", err)
	}
	return nil
}

// ListHighlights returns a VOD's highlights in start order.
func ListHighlights(ctx context.Context, dbx *sql.DB, vodID string) ([]Highlight, error) {
	rows, err := dbx.QueryContext(ctx, `SELECT `+highlightColumns+` FROM highlights WHERE vod_id=$1 ORDER BY idx`, vodID)
	if err != nil {
		return nil, fmt.Errorf("list highlights: %w", err)
	}
	defer rows.Close()
	out := []Highlight{}
	for rows.Next() {
		h, err := scanHighlight(rows)
		if err != nil {
			return nil, fmt.Errorf("scan highlight: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// GetHighlight loads one highlight.
func GetHighlight(ctx context.Context, dbx *sql.DB, vodID string, idx int) (Highlight, error) {
	h, err := scanHighlight(dbx.QueryRowContext(ctx, `SELECT `+highlightColumns+` FROM highlights WHERE vod_id=$1 AND idx=$2`, vodID, idx))
	if errors.Is(err, sql.ErrNoRows) {
		return Highlight{}, ErrNotFound
	}
	if err != nil {
		return Highlight{}, fmt.Errorf("get highlight: %w", err)
	}
	return h, nil
}

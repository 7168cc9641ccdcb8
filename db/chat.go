package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/onnwee/clip-tender/signals"
)

// ChatMessage is one stored chat line. RelSeconds is its offset from the VOD start.
type ChatMessage struct {
	VODID      string
	MessageID  string
	UserID     string
	Username   string
	Text       string
	Abs        time.Time
	RelSeconds float64
}

// InsertChatMessages stores msgs in one transaction. Rows carrying a message
// id already present for the VOD are skipped, so replay imports can be rerun.
// It returns the number of rows inserted.
func InsertChatMessages(ctx context.Context, dbx *sql.DB, msgs []ChatMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	tx, err := dbx.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin chat insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chat_messages (vod_id, message_id, user_id, username, message, abs_timestamp, rel_timestamp)
		VALUES ($1, NULLIF($2,''), $3, $4, $5, $6, $7)
		ON CONFLICT (vod_id, message_id) WHERE message_id IS NOT NULL DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert chat: %w", err)
	}
	defer func() {
		if err := stmt.Close(); err != nil {
			slog.Warn("failed to close prepared statement", slog.Any("err", err))
		}
	}()

	inserted := 0
	for _, m := range msgs {
		var abs sql.NullTime
		if !m.Abs.IsZero() {
			abs = sql.NullTime{Time: m.Abs, Valid: true}
		}
		res, err := stmt.ExecContext(ctx, m.VODID, m.MessageID, m.UserID, m.Username, m.Text, abs, m.RelSeconds)
		if err != nil {
			return 0, fmt.Errorf("insert chat row: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit chat insert: %w", err)
	}
	return inserted, nil
}

// LoadChatEvents returns a VOD's chat log as signal extractor input,
// ordered by relative time. Rows without a user id fall back to the username.
func LoadChatEvents(ctx context.Context, dbx *sql.DB, vodID string) ([]signals.ChatEvent, error) {
	rows, err := dbx.QueryContext(ctx, `
		SELECT rel_timestamp, user_id, username, message
		FROM chat_messages WHERE vod_id=$1 ORDER BY rel_timestamp, id`, vodID)
	if err != nil {
		return nil, fmt.Errorf("load chat for %s: %w", vodID, err)
	}
	defer rows.Close()
	out := []signals.ChatEvent{}
	for rows.Next() {
		var (
			rel              float64
			userID, username string
			text             string
		)
		if err := rows.Scan(&rel, &userID, &username, &text); err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		if userID == "" {
			userID = username
		}
		out = append(out, signals.ChatEvent{
			TimestampMs: int64(math.Round(rel * 1000)),
			UserID:      userID,
			Text:        text,
		})
	}
	return out, rows.Err()
}

// CountChatMessages returns how many chat rows a VOD has.
func CountChatMessages(ctx context.Context, dbx *sql.DB, vodID string) (int, error) {
	var n int
	if err := dbx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE vod_id=$1`, vodID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chat for %s: %w", vodID, err)
	}
	return n, nil
}

package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/onnwee/clip-tender/highlight"
	"github.com/onnwee/clip-tender/signals"
)

// Repo exposes the package helpers as methods over one handle so callers can
// depend on a narrow interface instead of *sql.DB.
type Repo struct{ DB *sql.DB }

// NewRepo wraps an open database handle.
func NewRepo(dbx *sql.DB) *Repo { return &Repo{DB: dbx} }

func (r *Repo) Ping(ctx context.Context) error { return r.DB.PingContext(ctx) }

func (r *Repo) UpsertVOD(ctx context.Context, v VOD) error { return UpsertVOD(ctx, r.DB, v) }

func (r *Repo) GetVOD(ctx context.Context, id string) (VOD, error) { return GetVOD(ctx, r.DB, id) }

func (r *Repo) ListVODs(ctx context.Context, limit, offset int) ([]VOD, error) {
	return ListVODs(ctx, r.DB, limit, offset)
}

func (r *Repo) SetVODDuration(ctx context.Context, id string, seconds int) error {
	return SetVODDuration(ctx, r.DB, id, seconds)
}

func (r *Repo) MarkVODAnalyzed(ctx context.Context, id string, at time.Time) error {
	return MarkVODAnalyzed(ctx, r.DB, id, at)
}

func (r *Repo) InsertChatMessages(ctx context.Context, msgs []ChatMessage) (int, error) {
	return InsertChatMessages(ctx, r.DB, msgs)
}

func (r *Repo) LoadChatEvents(ctx context.Context, vodID string) ([]signals.ChatEvent, error) {
	return LoadChatEvents(ctx, r.DB, vodID)
}

func (r *Repo) CountChatMessages(ctx context.Context, vodID string) (int, error) {
	return CountChatMessages(ctx, r.DB, vodID)
}

func (r *Repo) ReplaceHighlights(ctx context.Context, vodID string, moments []highlight.Moment) error {
	return ReplaceHighlights(ctx, r.DB, vodID, moments)
}

func (r *Repo) ListHighlights(ctx context.Context, vodID string) ([]Highlight, error) {
	return ListHighlights(ctx, r.DB, vodID)
}

func (r *Repo) GetHighlight(ctx context.Context, vodID string, idx int) (Highlight, error) {
	return GetHighlight(ctx, r.DB, vodID, idx)
}

func (r *Repo) InsertClip(ctx context.Context, c Clip) error { return InsertClip(ctx, r.DB, c) }

func (r *Repo) GetClip(ctx context.Context, id string) (Clip, error) { return GetClip(ctx, r.DB, id) }

func (r *Repo) ListClips(ctx context.Context, vodID string) ([]Clip, error) {
	return ListClips(ctx, r.DB, vodID)
}

func (r *Repo) SetClipYouTubeURL(ctx context.Context, id, url string) error {
	return SetClipYouTubeURL(ctx, r.DB, id, url)
}

func (r *Repo) SetKV(ctx context.Context, key, value string) error { return SetKV(ctx, r.DB, key, value) }

func (r *Repo) GetKV(ctx context.Context, key string) (string, time.Time, error) {
	return GetKV(ctx, r.DB, key)
}

func (r *Repo) DeleteKV(ctx context.Context, key string) error { return DeleteKV(ctx, r.DB, key) }

// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/jobs"
)

// Repository is the read side the API serves from. *db.Repo implements it.
type Repository interface {
	Ping(ctx context.Context) error
	UpsertVOD(ctx context.Context, v db.VOD) error
	ListVODs(ctx context.Context, limit, offset int) ([]db.VOD, error)
	GetVOD(ctx context.Context, id string) (db.VOD, error)
	ListHighlights(ctx context.Context, vodID string) ([]db.Highlight, error)
	GetHighlight(ctx context.Context, vodID string, idx int) (db.Highlight, error)
	ListClips(ctx context.Context, vodID string) ([]db.Clip, error)
	GetClip(ctx context.Context, id string) (db.Clip, error)
	SetKV(ctx context.Context, key, value string) error
	GetKV(ctx context.Context, key string) (string, time.Time, error)
	DeleteKV(ctx context.Context, key string) error
}

// JobService submits and observes jobs. *jobs.Orchestrator implements it.
type JobService interface {
	Enqueue(ctx context.Context, kind jobs.Kind, resourceKey string, payload any) (string, error)
	Get(ctx context.Context, id string) (jobs.Snapshot, error)
	Subscribe(id string) *jobs.Subscription
}

// OAuthFlow is the YouTube authorization code flow. *youtubeapi.Service implements it.
type OAuthFlow interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// Deps are the collaborators behind the routes. YouTube may be nil, which
// disables the OAuth endpoints and clip uploads.
type Deps struct {
	Repo    Repository
	Jobs    JobService
	YouTube OAuthFlow
	// FFmpegReady reports whether the transcoder is usable.
	FFmpegReady func(ctx context.Context) bool

	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
	// Heartbeat is the keep-alive interval of progress streams.
	Heartbeat time.Duration
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	repo      Repository
	jobs      JobService
	youtube   OAuthFlow
	ffmpeg    func(ctx context.Context) bool
	heartbeat time.Duration
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(d Deps) *Handlers {
	hb := d.Heartbeat
	if hb <= 0 {
		hb = 15 * time.Second
	}
	return &Handlers{repo: d.Repo, jobs: d.Jobs, youtube: d.YouTube, ffmpeg: d.FFmpegReady, heartbeat: hb}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

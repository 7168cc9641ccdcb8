// Package server exposes the HTTP API: health, metrics, VOD and highlight
// reads, job submission, and live job progress over SSE or WebSocket. Every
// request gets a correlation ID for consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMux returns the HTTP handler with all routes.
// The provided context is used for rate limiter cleanup goroutines lifecycle.
func NewMux(ctx context.Context, d Deps) http.Handler {
	limiter := newIPRateLimiter(ctx, d.RateLimitRPS, d.RateLimitBurst)
	if limiter != nil {
		slog.Info("rate limiting job submission", slog.Float64("rps", d.RateLimitRPS), slog.Int("burst", d.RateLimitBurst), slog.String("component", "http"))
	}
	limited := func(fn http.HandlerFunc) http.Handler { return rateLimitMiddleware(fn, limiter) }

	h := NewHandlers(d)
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	mux.HandleFunc("GET /vods", h.HandleVodsList)
	mux.Handle("POST /vods", limited(h.HandleVodRegister))
	mux.HandleFunc("GET /vods/{id}", h.HandleVodGet)
	mux.HandleFunc("GET /vods/{id}/highlights", h.HandleHighlights)
	mux.HandleFunc("GET /vods/{id}/clips", h.HandleClips)
	mux.Handle("POST /vods/{id}/analyze", limited(h.HandleAnalyze))
	mux.Handle("POST /vods/{id}/highlights/{idx}/extract", limited(h.HandleExtract))

	mux.HandleFunc("GET /clips/{id}", h.HandleClipGet)
	mux.Handle("POST /clips/{id}/upload", limited(h.HandleUpload))

	mux.HandleFunc("GET /jobs/{id}", h.HandleJobGet)
	mux.HandleFunc("GET /jobs/{id}/events", h.HandleJobEvents)
	mux.HandleFunc("GET /jobs/{id}/ws", h.HandleJobWS)

	mux.HandleFunc("GET /auth/youtube/start", h.HandleYouTubeOAuthStart)
	mux.HandleFunc("GET /auth/youtube/callback", h.HandleYouTubeOAuthCallback)

	return withCORS(withCorrelation(mux), newCORSPolicy(d.CORSOrigins))
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
// There is no write timeout because progress streams stay open for the life
// of a job.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}

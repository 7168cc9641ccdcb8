// Command clip-tender is the main entrypoint for the highlight API and job workers.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs versioned migrations.
//   - Starts the job orchestrator (analyze_vod, extract_clip, upload_clip),
//     recovering jobs interrupted by a previous run.
//   - Optionally records live Twitch chat for a VOD being captured.
//   - Exposes the HTTP API with /healthz, /readyz and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/clip-tender/chat"
	"github.com/onnwee/clip-tender/clip"
	"github.com/onnwee/clip-tender/config"
	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/highlight"
	"github.com/onnwee/clip-tender/jobs"
	"github.com/onnwee/clip-tender/server"
	"github.com/onnwee/clip-tender/telemetry"
	"github.com/onnwee/clip-tender/twitchapi"
	"github.com/onnwee/clip-tender/vod"
	"github.com/onnwee/clip-tender/youtubeapi"
)

const serviceVersion = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("clip-tender", serviceVersion)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("fatal", slog.Any("err", err))
		stop()
		shutdownTracing()
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		return err
	}
	repo := db.NewRepo(database)

	clipDir := filepath.Join(cfg.DataDir, "clips")
	tempRoot := filepath.Join(cfg.DataDir, "tmp")
	if n, err := clip.SweepStale(tempRoot, cfg.TempMaxAge); err != nil {
		slog.Warn("stale temp sweep failed", slog.Any("err", err))
	} else if n > 0 {
		slog.Info("removed stale temp dirs", slog.Int("count", n))
	}

	engine := clip.NewFFmpeg(clip.FFmpegOptions{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		Timeout:     cfg.FFmpegTimeout,
	})
	probe, err := clip.NewExtractor(engine, clipDir, tempRoot)
	if err != nil {
		return err
	}
	defer func() { _ = probe.Cleanup() }()
	if !probe.ValidateFFmpegInstallation(ctx) {
		return errFFmpegMissing
	}

	detector, err := config.NewDetectorSource(cfg.DetectorConfigPath, func(c highlight.Config) {
		slog.Info("detector config reloaded", slog.Float64("spike_multiplier", c.SpikeMultiplier), slog.Float64("min_confidence", c.MinConfidence), slog.String("component", "detector_config"))
	})
	if err != nil {
		return err
	}
	if err := detector.Watch(ctx); err != nil {
		slog.Warn("detector config watch disabled", slog.Any("err", err))
	}

	var sinks []jobs.Sink
	if cfg.RedisURL != "" {
		rs, err := jobs.NewRedisSink(ctx, cfg.RedisURL, 0)
		if err != nil {
			slog.Warn("redis progress fan-out disabled", slog.Any("err", err))
		} else {
			go rs.Run(ctx)
			sinks = append(sinks, rs)
		}
	}
	orch := jobs.New(jobs.NewPostgresStore(database), jobs.NewHub(jobs.HubOptions{}, sinks...), jobs.Options{
		Workers: cfg.JobWorkers,
		Retry: jobs.RetryPolicy{
			MaxAttempts:    cfg.JobMaxAttempts,
			InitialBackoff: cfg.JobBackoffBase,
			MaxBackoff:     cfg.JobBackoffMax,
		},
	})

	opts := vod.Options{
		Repo:        repo,
		Engine:      engine,
		Importer:    &vod.ChatImporter{Sink: repo, CookieFile: cfg.TwitchCookiesPath, PageDelay: 100 * time.Millisecond},
		Slots:       vod.NewSlots(cfg.MaxConcurrentExtractions),
		Detector:    detector.Current,
		ClipDir:     clipDir,
		TempDir:     tempRoot,
		Padding:     cfg.ClipPadding,
		Format:      cfg.ClipFormat,
		Resolution:  cfg.ClipResolution,
		AutoExtract: cfg.AutoExtract,
	}
	if cfg.HelixEnabled() {
		opts.Helix = &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			ClientID:       cfg.TwitchClientID,
		}
	} else {
		slog.Info("twitch helix disabled; VODs need a stored duration")
	}
	deps := server.Deps{
		Repo:           repo,
		Jobs:           orch,
		FFmpegReady:    probe.ValidateFFmpegInstallation,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		CORSOrigins:    cfg.CORSOrigins,
	}
	if cfg.YouTubeEnabled() {
		yt := youtubeapi.New(cfg, &db.TokenStoreAdapter{DB: database})
		opts.Uploader = yt
		deps.YouTube = yt
	} else {
		slog.Info("youtube upload disabled (YT_CLIENT_ID/YT_CLIENT_SECRET/YT_REDIRECT_URI not set)")
	}

	vod.NewPipeline(opts).Register(orch)
	if _, _, err := orch.Recover(ctx); err != nil {
		return err
	}
	orch.Start(ctx)

	if err := cfg.ValidateChatReady(); err == nil {
		go func() {
			if err := chat.NewRecorder(cfg, repo).Run(ctx); err != nil {
				slog.Error("chat recorder stopped", slog.Any("err", err))
			}
		}()
	} else {
		slog.Info("chat recorder disabled", slog.String("reason", err.Error()))
	}

	startPprof()

	errc := make(chan error, 1)
	go func() { errc <- server.Start(ctx, cfg.HTTPAddr, server.NewMux(ctx, deps)) }()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		err = <-errc
	case err = <-errc:
	}
	cancel()
	orch.Wait()
	return err
}

var errFFmpegMissing = errors.New("ffmpeg/ffprobe not available; set FFMPEG_PATH and FFPROBE_PATH")

// setupLogging configures the default logger. Defaults: level=info, format=text.
func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	unknown := false
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		unknown = true
	}
	format = strings.ToLower(format)
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	if unknown {
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// startPprof serves profiling endpoints on PPROF_ADDR when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}

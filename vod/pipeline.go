// Package vod runs the processing pipeline behind the job orchestrator:
// analyzing a VOD's chat into highlights, cutting highlights into clips, and
// publishing clips to YouTube.
package vod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/clip-tender/clip"
	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/highlight"
	"github.com/onnwee/clip-tender/jobs"
	"github.com/onnwee/clip-tender/signals"
	"github.com/onnwee/clip-tender/telemetry"
	"github.com/onnwee/clip-tender/twitchapi"
	"github.com/onnwee/clip-tender/youtubeapi"
)

const tracerName = "clip-tender/vod"

// Repository is the storage the pipeline needs. *db.Repo implements it.
type Repository interface {
	GetVOD(ctx context.Context, id string) (db.VOD, error)
	SetVODDuration(ctx context.Context, id string, seconds int) error
	MarkVODAnalyzed(ctx context.Context, id string, at time.Time) error
	InsertChatMessages(ctx context.Context, msgs []db.ChatMessage) (int, error)
	LoadChatEvents(ctx context.Context, vodID string) ([]signals.ChatEvent, error)
	CountChatMessages(ctx context.Context, vodID string) (int, error)
	ReplaceHighlights(ctx context.Context, vodID string, moments []highlight.Moment) error
	GetHighlight(ctx context.Context, vodID string, idx int) (db.Highlight, error)
	InsertClip(ctx context.Context, c db.Clip) error
	GetClip(ctx context.Context, id string) (db.Clip, error)
	SetClipYouTubeURL(ctx context.Context, id, url string) error
}

// VideoLookup resolves authoritative VOD metadata. *twitchapi.HelixClient implements it.
type VideoLookup interface {
	GetVideo(ctx context.Context, id string) (twitchapi.Video, error)
}

// Uploader publishes a clip file and returns its public URL. *youtubeapi.Service implements it.
type Uploader interface {
	Upload(ctx context.Context, path string, meta youtubeapi.UploadMeta) (string, error)
}

// Enqueuer submits follow-up jobs. *jobs.Orchestrator implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind jobs.Kind, resourceKey string, payload any) (string, error)
}

// Resource keys. At most one in-flight job may hold each key.
func AnalyzeKey(vodID string) string { return "vod:" + vodID }

func ExtractKey(vodID string, idx int) string { return fmt.Sprintf("highlight:%s:%d", vodID, idx) }

func UploadKey(clipID string) string { return "clip:" + clipID }

type AnalyzePayload struct {
	VODID string `json:"vod_id"`
	// ImportChat fetches the Twitch chat replay when no chat is stored yet.
	ImportChat bool `json:"import_chat,omitempty"`
}

type ExtractPayload struct {
	VODID          string `json:"vod_id"`
	HighlightIndex int    `json:"highlight_idx"`
	Format         string `json:"format,omitempty"`
	Resolution     string `json:"resolution,omitempty"`
}

type UploadPayload struct {
	ClipID  string `json:"clip_id"`
	Title   string `json:"title,omitempty"`
	Privacy string `json:"privacy,omitempty"`
}

// Options wires the pipeline's collaborators. Helix, Uploader and Importer
// are optional; the features they back are skipped or rejected without them.
type Options struct {
	Repo     Repository
	Engine   clip.Engine
	Helix    VideoLookup
	Uploader Uploader
	Importer *ChatImporter
	Slots    *Slots
	// Detector returns the current detector tuning; nil means defaults.
	Detector func() highlight.Config

	ClipDir     string
	TempDir     string
	Padding     time.Duration
	Format      string
	Resolution  string
	AutoExtract bool
	// ExtractFanout bounds concurrent enqueues after an analysis.
	ExtractFanout int
	Logger        *slog.Logger
}

// Pipeline owns the job handlers.
type Pipeline struct {
	opts    Options
	logger  *slog.Logger
	enqueue Enqueuer
}

func NewPipeline(opts Options) *Pipeline {
	if opts.Slots == nil {
		opts.Slots = NewSlots(1)
	}
	if opts.Format == "" {
		opts.Format = "mp4"
	}
	if opts.Resolution == "" {
		opts.Resolution = "source"
	}
	if opts.ExtractFanout <= 0 {
		opts.ExtractFanout = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{opts: opts, logger: logger.With(slog.String("component", "vod_pipeline"))}
}

// Register installs the handlers on o and lets analyses enqueue follow-up extractions.
func (p *Pipeline) Register(o *jobs.Orchestrator) {
	p.enqueue = o
	o.Register(jobs.KindAnalyzeVOD, p.Analyze)
	o.Register(jobs.KindExtractClip, p.Extract)
	o.Register(jobs.KindUploadClip, p.Upload)
}

func decodePayload(j jobs.Job, v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return jobs.Permanent(fmt.Errorf("decode %s payload: %w", j.Kind, err))
	}
	return nil
}

// notFound marks missing rows as permanent failures.
func notFound(err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return jobs.Permanent(err)
	}
	return err
}

func (p *Pipeline) detectorConfig() highlight.Config {
	if p.opts.Detector == nil {
		return highlight.DefaultConfig()
	}
	return p.opts.Detector()
}

// Analyze loads a VOD's chat, detects highlights and replaces the stored set.
func (p *Pipeline) Analyze(ctx context.Context, j jobs.Job, progress func(int)) error {
	var pl AnalyzePayload
	if err := decodePayload(j, &pl); err != nil {
		return err
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "vod.analyze", attribute.String("vod_id", pl.VODID), attribute.String("job_id", j.ID))
	defer span.End()
	logger := p.logger.With(slog.String("vod_id", pl.VODID), slog.String("job_id", j.ID))

	v, err := p.opts.Repo.GetVOD(ctx, pl.VODID)
	if err != nil {
		telemetry.RecordError(span, err)
		return notFound(err)
	}
	durationSec, err := p.resolveDuration(ctx, v)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	progress(10)

	if pl.ImportChat && p.opts.Importer != nil {
		n, err := p.opts.Repo.CountChatMessages(ctx, v.ID)
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := p.opts.Importer.Import(ctx, v.ID, durationSec, v.Date); err != nil {
				telemetry.RecordError(span, err)
				return err
			}
		}
	}
	progress(30)

	events, err := p.opts.Repo.LoadChatEvents(ctx, v.ID)
	if err != nil {
		return err
	}
	progress(50)

	var moments []highlight.Moment
	telemetry.TimeFunc(telemetry.AnalysisDuration, func() {
		moments, err = p.detect(events, int64(durationSec)*1000)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	progress(80)

	if err := p.opts.Repo.ReplaceHighlights(ctx, v.ID, moments); err != nil {
		return err
	}
	if err := p.opts.Repo.MarkVODAnalyzed(ctx, v.ID, time.Now().UTC()); err != nil {
		return err
	}
	telemetry.AddHighlights(len(moments))
	span.SetAttributes(attribute.Int("highlights", len(moments)), attribute.Int("messages", len(events)))
	logger.Info("vod analyzed", slog.Int("messages", len(events)), slog.Int("highlights", len(moments)))

	if p.opts.AutoExtract && p.enqueue != nil && len(moments) > 0 {
		if err := p.enqueueExtractions(ctx, v.ID, len(moments)); err != nil {
			logger.Warn("auto extraction enqueue failed", slog.Any("err", err))
		}
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

// detect runs the signal extractor and detector with the current tuning.
func (p *Pipeline) detect(events []signals.ChatEvent, durationMs int64) ([]highlight.Moment, error) {
	d, err := highlight.New(p.detectorConfig())
	if err != nil {
		return nil, jobs.Permanent(fmt.Errorf("detector config: %w", err))
	}
	cfg := d.Config()
	buckets, err := signals.NewAnalyzer(cfg.ExtraEmotes...).Bucketize(events, durationMs, cfg.BucketWidthMs)
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	return d.Detect(buckets), nil
}

// resolveDuration prefers the stored duration and falls back to Helix,
// persisting what it learns.
func (p *Pipeline) resolveDuration(ctx context.Context, v db.VOD) (int, error) {
	if v.DurationSeconds > 0 {
		return v.DurationSeconds, nil
	}
	if p.opts.Helix == nil {
		return 0, jobs.Permanent(fmt.Errorf("vod %s has no duration", v.ID))
	}
	video, err := p.opts.Helix.GetVideo(ctx, v.ID)
	if errors.Is(err, twitchapi.ErrVideoNotFound) {
		return 0, jobs.Permanent(err)
	}
	if err != nil {
		return 0, fmt.Errorf("helix lookup: %w", err)
	}
	sec := int(video.Duration / time.Second)
	if sec <= 0 {
		return 0, jobs.Permanent(fmt.Errorf("vod %s has no duration", v.ID))
	}
	if err := p.opts.Repo.SetVODDuration(ctx, v.ID, sec); err != nil {
		return 0, err
	}
	return sec, nil
}

// enqueueExtractions submits one extract_clip job per highlight. Highlights
// that already have an extraction in flight are skipped.
func (p *Pipeline) enqueueExtractions(ctx context.Context, vodID string, n int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.ExtractFanout)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := p.enqueue.Enqueue(gctx, jobs.KindExtractClip, ExtractKey(vodID, i), ExtractPayload{VODID: vodID, HighlightIndex: i})
			if errors.Is(err, jobs.ErrResourceBusy) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// ClipWindow pads a highlight by pad on both sides, clamped to [0, durationMs].
// A durationMs of zero leaves the end unclamped.
func ClipWindow(startMs, endMs int64, pad time.Duration, durationMs int64) (int64, int64) {
	padMs := pad.Milliseconds()
	start := startMs - padMs
	if start < 0 {
		start = 0
	}
	end := endMs + padMs
	if durationMs > 0 && end > durationMs {
		end = durationMs
	}
	return start, end
}

// Extract cuts one stored highlight into a clip file with a thumbnail.
func (p *Pipeline) Extract(ctx context.Context, j jobs.Job, progress func(int)) error {
	var pl ExtractPayload
	if err := decodePayload(j, &pl); err != nil {
		return err
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "vod.extract",
		attribute.String("vod_id", pl.VODID), attribute.Int("highlight_idx", pl.HighlightIndex), attribute.String("job_id", j.ID))
	defer span.End()

	v, err := p.opts.Repo.GetVOD(ctx, pl.VODID)
	if err != nil {
		return notFound(err)
	}
	if v.SourceURL == "" {
		return jobs.Permanent(fmt.Errorf("vod %s has no source video", v.ID))
	}
	h, err := p.opts.Repo.GetHighlight(ctx, pl.VODID, pl.HighlightIndex)
	if err != nil {
		return notFound(err)
	}
	format, resolution := pl.Format, pl.Resolution
	if format == "" {
		format = p.opts.Format
	}
	if resolution == "" {
		resolution = p.opts.Resolution
	}
	startMs, endMs := ClipWindow(h.StartMs, h.EndMs, p.opts.Padding, v.DurationMs())

	if err := p.opts.Slots.Acquire(ctx); err != nil {
		return err
	}
	defer p.opts.Slots.Release()
	progress(10)

	ex, err := clip.NewExtractor(p.opts.Engine, p.opts.ClipDir, p.opts.TempDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := ex.Cleanup(); err != nil {
			p.logger.Warn("extractor cleanup failed", slog.Any("err", err))
		}
	}()

	var res clip.Result
	telemetry.TimeFunc(telemetry.ExtractionDuration, func() {
		res = ex.ExtractClip(ctx, v.SourceURL, float64(startMs)/1000, float64(endMs)/1000, format, resolution)
	})
	if !res.Success {
		telemetry.IncExtractionFailed()
		telemetry.RecordError(span, res.Err)
		if clip.IsInputError(res.Err) {
			return jobs.Permanent(res.Err)
		}
		return res.Err
	}
	progress(70)

	c := db.Clip{
		ID:              uuid.NewString(),
		VODID:           v.ID,
		HighlightIndex:  h.Index,
		StartMs:         startMs,
		EndMs:           endMs,
		Format:          format,
		Resolution:      resolution,
		Path:            res.OutputPath,
		DurationSeconds: res.Duration,
		JobID:           j.ID,
	}
	if thumb := ex.GenerateThumbnail(ctx, res.OutputPath, res.Duration/2); thumb.Success {
		c.ThumbnailPath = thumb.OutputPath
	} else {
		p.logger.Warn("thumbnail failed", slog.String("clip", res.OutputPath), slog.Any("err", thumb.Err))
	}
	if info := ex.GetVideoInfo(ctx, res.OutputPath); info != nil {
		c.Width, c.Height = info.Width, info.Height
	}
	progress(90)

	if err := p.opts.Repo.InsertClip(ctx, c); err != nil {
		return err
	}
	p.logger.Info("clip stored", slog.String("clip_id", c.ID), slog.String("vod_id", v.ID), slog.Int("highlight_idx", h.Index))
	telemetry.SetSpanSuccess(span)
	return nil
}

// Upload publishes a stored clip and records its URL.
func (p *Pipeline) Upload(ctx context.Context, j jobs.Job, progress func(int)) error {
	var pl UploadPayload
	if err := decodePayload(j, &pl); err != nil {
		return err
	}
	if p.opts.Uploader == nil {
		return jobs.Permanent(errors.New("youtube upload not configured"))
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "vod.upload", attribute.String("clip_id", pl.ClipID), attribute.String("job_id", j.ID))
	defer span.End()

	c, err := p.opts.Repo.GetClip(ctx, pl.ClipID)
	if err != nil {
		return notFound(err)
	}
	if c.YouTubeURL != "" {
		return nil
	}
	title := pl.Title
	if title == "" {
		title = fmt.Sprintf("%s highlight #%d", c.VODID, c.HighlightIndex+1)
		if v, err := p.opts.Repo.GetVOD(ctx, c.VODID); err == nil && v.Title != "" {
			title = fmt.Sprintf("%s (highlight #%d)", v.Title, c.HighlightIndex+1)
		}
	}
	progress(10)
	url, err := p.opts.Uploader.Upload(ctx, c.Path, youtubeapi.UploadMeta{
		Title:         title,
		Description:   fmt.Sprintf("Clip from VOD %s", c.VODID),
		Privacy:       pl.Privacy,
		ThumbnailPath: c.ThumbnailPath,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		if errors.Is(err, youtubeapi.ErrNoToken) {
			return jobs.Permanent(err)
		}
		return err
	}
	progress(90)
	if err := p.opts.Repo.SetClipYouTubeURL(ctx, c.ID, url); err != nil {
		return err
	}
	p.logger.Info("clip uploaded", slog.String("clip_id", c.ID), slog.String("url", url))
	telemetry.SetSpanSuccess(span)
	return nil
}

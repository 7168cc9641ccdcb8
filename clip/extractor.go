package clip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result reports the outcome of one extractor call. Failures never panic or
// return separately; callers branch on Success and inspect Err.
type Result struct {
	Success    bool    `json:"success"`
	OutputPath string  `json:"output_path,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	Err        error   `json:"-"`
}

// ErrorMessage returns the failure text, empty on success.
func (r Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

func failed(err error) Result { return Result{Err: err} }

// thumbnailBackoff is how far before the end a late thumbnail request lands.
const thumbnailBackoff = 0.1

// Extractor owns one scratch directory. Every intermediate file lives there
// until it is renamed into the output directory; Cleanup removes whatever is
// left. Create one per job and defer Cleanup.
type Extractor struct {
	engine    Engine
	outputDir string
	tempDir   string
	logger    *slog.Logger

	mu    sync.Mutex
	temps []string

	validateOnce sync.Once
	validated    bool
	version      string
}

// NewExtractor creates the output directory if needed and a fresh scratch
// directory under tempRoot (os.TempDir() when empty).
func NewExtractor(engine Engine, outputDir, tempRoot string) (*Extractor, error) {
	if engine == nil {
		return nil, errors.New("nil engine")
	}
	if outputDir == "" {
		return nil, fmt.Errorf("%w: output directory", ErrMissingInput)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if tempRoot != "" {
		if err := os.MkdirAll(tempRoot, 0o755); err != nil {
			return nil, fmt.Errorf("create temp root: %w", err)
		}
	}
	tmp, err := os.MkdirTemp(tempRoot, tempDirPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &Extractor{
		engine:    engine,
		outputDir: outputDir,
		tempDir:   tmp,
		logger:    slog.Default().With(slog.String("component", "clip_extractor")),
	}, nil
}

// TempDir returns the scratch directory of this instance.
func (e *Extractor) TempDir() string { return e.tempDir }

// ValidateFFmpegInstallation checks the engine once and caches the answer.
func (e *Extractor) ValidateFFmpegInstallation(ctx context.Context) bool {
	e.validateOnce.Do(func() {
		v, err := e.engine.Version(ctx)
		if err != nil {
			e.logger.Error("transcoding engine unavailable", slog.Any("err", err))
			return
		}
		e.validated = true
		e.version = v
		e.logger.Info("transcoding engine available", slog.String("version", v))
	})
	return e.validated
}

// ExtractClip cuts [startSec, endSec) of inputURL into a new file in the
// output directory. Range, format and resolution are validated before the
// engine runs.
func (e *Extractor) ExtractClip(ctx context.Context, inputURL string, startSec, endSec float64, format, resolution string) Result {
	if strings.TrimSpace(inputURL) == "" {
		return failed(fmt.Errorf("%w: input url", ErrMissingInput))
	}
	if startSec < 0 || endSec <= startSec {
		return failed(fmt.Errorf("%w: start=%.3f end=%.3f", ErrInvalidRange, startSec, endSec))
	}
	f, err := normalizeFormat(format)
	if err != nil {
		return failed(err)
	}
	w, h, err := ParseResolution(resolution)
	if err != nil {
		return failed(err)
	}

	name := "clip-" + uuid.NewString() + "." + f
	final := filepath.Join(e.outputDir, name)
	tmp := e.track(name + ".part")
	req := ExtractRequest{Input: inputURL, Output: tmp, Start: startSec, Duration: endSec - startSec, Format: f, Width: w, Height: h}
	if err := e.engine.Extract(ctx, req); err != nil {
		return failed(fmt.Errorf("extract clip: %w", err))
	}
	if err := e.promote(tmp, final); err != nil {
		return failed(err)
	}

	dur := endSec - startSec
	if info := e.GetVideoInfo(ctx, final); info != nil && info.Duration > 0 {
		dur = info.Duration
	}
	e.logger.Info("clip extracted", slog.String("output", final), slog.Float64("start", startSec), slog.Float64("duration", dur))
	return Result{Success: true, OutputPath: final, Duration: dur}
}

// GenerateThumbnail writes a JPEG frame next to the clip. atSec past the end
// of the video is pulled back to just before the last frame.
func (e *Extractor) GenerateThumbnail(ctx context.Context, videoPath string, atSec float64) Result {
	if strings.TrimSpace(videoPath) == "" {
		return failed(fmt.Errorf("%w: video path", ErrMissingInput))
	}
	if atSec < 0 {
		atSec = 0
	}
	if info := e.GetVideoInfo(ctx, videoPath); info != nil && info.Duration > 0 && atSec >= info.Duration {
		clamped := info.Duration - thumbnailBackoff
		if info.FPS > 0 {
			clamped = info.Duration - 1/info.FPS
		}
		if clamped < 0 {
			clamped = 0
		}
		atSec = clamped
	}

	name := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath)) + ".jpg"
	final := filepath.Join(e.outputDir, name)
	tmp := e.track(name + ".part")
	if err := e.engine.Thumbnail(ctx, ThumbnailRequest{Input: videoPath, Output: tmp, At: atSec}); err != nil {
		return failed(fmt.Errorf("generate thumbnail: %w", err))
	}
	if err := e.promote(tmp, final); err != nil {
		return failed(err)
	}
	return Result{Success: true, OutputPath: final}
}

// ConvertForPlatform re-encodes videoPath with the named platform preset.
// An unknown platform is an input error.
func (e *Extractor) ConvertForPlatform(ctx context.Context, videoPath, platform string) Result {
	p, err := LookupPreset(platform)
	if err != nil {
		return failed(err)
	}
	if strings.TrimSpace(videoPath) == "" {
		return failed(fmt.Errorf("%w: video path", ErrMissingInput))
	}
	name := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath)) + "_" + p.Name + ".mp4"
	final := filepath.Join(e.outputDir, name)
	tmp := e.track(name + ".part")
	if err := e.engine.Convert(ctx, ConvertRequest{Input: videoPath, Output: tmp, Preset: p}); err != nil {
		return failed(fmt.Errorf("convert for %s: %w", p.Name, err))
	}
	if err := e.promote(tmp, final); err != nil {
		return failed(err)
	}
	res := Result{Success: true, OutputPath: final}
	if info := e.GetVideoInfo(ctx, final); info != nil {
		res.Duration = info.Duration
	}
	return res
}

// GetVideoInfo probes path, returning nil when it cannot be read.
func (e *Extractor) GetVideoInfo(ctx context.Context, path string) *VideoInfo {
	if !isRemote(path) {
		if _, err := os.Stat(path); err != nil {
			return nil
		}
	}
	info, err := e.engine.Probe(ctx, path)
	if err != nil {
		e.logger.Debug("probe failed", slog.String("path", path), slog.Any("err", err))
		return nil
	}
	return info
}

// Cleanup removes every temporary artifact this instance created, including
// its scratch directory. It is safe to call more than once.
func (e *Extractor) Cleanup() error {
	e.mu.Lock()
	temps := e.temps
	e.temps = nil
	e.mu.Unlock()

	var errs []error
	for _, p := range temps {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(e.tempDir); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// track reserves a path in the scratch directory.
func (e *Extractor) track(name string) string {
	p := filepath.Join(e.tempDir, name)
	e.mu.Lock()
	e.temps = append(e.temps, p)
	e.mu.Unlock()
	return p
}

// promote moves a finished temp file into place.
func (e *Extractor) promote(tmp, final string) error {
	if fi, err := os.Stat(tmp); err != nil {
		return fmt.Errorf("engine produced no output: %w", err)
	} else if fi.Size() == 0 {
		return errors.New("engine produced an empty file")
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("move output into place: %w", err)
	}
	return nil
}

func isRemote(path string) bool {
	return strings.Contains(path, "://")
}

const tempDirPrefix = "clip-tender-"

// SweepStale removes scratch directories under root left behind by crashed
// runs, once older than maxAge. It returns how many entries were removed.
func SweepStale(root string, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	if root == "" {
		root = os.TempDir()
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("read temp root: %w", err)
	}
	now := time.Now()
	var removed int
	var errs []error
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasPrefix(name, tempDirPrefix) && !strings.HasSuffix(name, ".part") {
			continue
		}
		fi, err := ent.Info()
		if err != nil || now.Sub(fi.ModTime()) <= maxAge {
			continue
		}
		p := filepath.Join(root, name)
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		slog.Debug("removed stale temp entry", slog.String("path", p), slog.Duration("age", now.Sub(fi.ModTime())))
	}
	if removed > 0 || len(errs) > 0 {
		slog.Info("temp sweep completed", slog.Int("removed", removed), slog.Int("failed", len(errs)))
	}
	return removed, errors.Join(errs...)
}

package clip

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// FFmpegOptions configures the subprocess engine.
type FFmpegOptions struct {
	FFmpegPath  string
	FFprobePath string
	// Timeout bounds every single invocation; the process is killed on expiry.
	Timeout time.Duration
	Threads int
	Logger  *slog.Logger
}

// FFmpeg runs ffmpeg/ffprobe as subprocesses.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	timeout     time.Duration
	threads     int
	logger      *slog.Logger
}

var _ Engine = (*FFmpeg)(nil)

// NewFFmpeg builds an engine. Binaries are resolved lazily so construction
// never fails; use Version (or Extractor.ValidateFFmpegInstallation) to check.
func NewFFmpeg(opts FFmpegOptions) *FFmpeg {
	f := &FFmpeg{
		ffmpegPath:  opts.FFmpegPath,
		ffprobePath: opts.FFprobePath,
		timeout:     opts.Timeout,
		threads:     opts.Threads,
		logger:      opts.Logger,
	}
	if f.ffmpegPath == "" {
		f.ffmpegPath = "ffmpeg"
	}
	if f.ffprobePath == "" {
		f.ffprobePath = "ffprobe"
	}
	if f.timeout <= 0 {
		f.timeout = 10 * time.Minute
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	f.logger = f.logger.With(slog.String("component", "ffmpeg"))
	return f
}

// Version resolves both binaries and returns the first line of ffmpeg -version.
func (f *FFmpeg) Version(ctx context.Context) (string, error) {
	if _, err := exec.LookPath(f.ffmpegPath); err != nil {
		return "", fmt.Errorf("ffmpeg not found: %w", err)
	}
	if _, err := exec.LookPath(f.ffprobePath); err != nil {
		return "", fmt.Errorf("ffprobe not found: %w", err)
	}
	out, err := f.exec(ctx, f.ffmpegPath, []string{"-version"})
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// Extract cuts a segment, re-encoding so cut points are frame accurate.
func (f *FFmpeg) Extract(ctx context.Context, req ExtractRequest) error {
	args := []string{
		"-ss", formatSeconds(req.Start),
		"-i", req.Input,
		"-t", formatSeconds(req.Duration),
	}
	if req.Width != 0 || req.Height != 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", req.Width, req.Height))
	}
	args = append(args, codecArgs(req.Format)...)
	if req.Format == "mp4" || req.Format == "mov" || req.Format == "" {
		args = append(args, "-movflags", "+faststart")
	}
	args = append(args, "-f", muxerFor(req.Format), req.Output)
	return f.run(ctx, "extract", args)
}

// Thumbnail writes a single JPEG frame.
func (f *FFmpeg) Thumbnail(ctx context.Context, req ThumbnailRequest) error {
	args := []string{
		"-ss", formatSeconds(req.At),
		"-i", req.Input,
		"-frames:v", "1",
	}
	if req.Width > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:-2", req.Width))
	}
	args = append(args, "-q:v", "2", "-update", "1", "-f", "image2", req.Output)
	return f.run(ctx, "thumbnail", args)
}

// Convert re-encodes with a platform preset: scale plus pad or crop to the
// target frame, duration capped, bitrate ceilinged.
func (f *FFmpeg) Convert(ctx context.Context, req ConvertRequest) error {
	p := req.Preset
	var vf string
	if p.Fit == FitCrop {
		vf = fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,setsar=1", p.Width, p.Height, p.Width, p.Height)
	} else {
		vf = fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1", p.Width, p.Height, p.Width, p.Height)
	}
	args := []string{"-i", req.Input}
	if p.MaxDurationSec > 0 {
		args = append(args, "-t", formatSeconds(p.MaxDurationSec))
	}
	args = append(args,
		"-vf", vf,
		"-c:v", "libx264", "-preset", "medium",
		"-b:v", p.VideoBitrate, "-maxrate", p.VideoBitrate, "-bufsize", doubleRate(p.VideoBitrate),
		"-c:a", "aac", "-b:a", p.AudioBitrate,
		"-movflags", "+faststart",
		"-f", "mp4", req.Output,
	)
	return f.run(ctx, "convert", args)
}

// Probe reads container/stream metadata via ffprobe.
func (f *FFmpeg) Probe(ctx context.Context, path string) (*VideoInfo, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: probe path", ErrMissingInput)
	}
	out, err := f.exec(ctx, f.ffprobePath, []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	})
	if err != nil {
		return nil, err
	}
	return parseProbe(out)
}

// run prepends the common ffmpeg flags and executes.
func (f *FFmpeg) run(ctx context.Context, op string, args []string) error {
	base := []string{"-y", "-hide_banner", "-nostdin", "-loglevel", "error"}
	if f.threads > 0 {
		base = append(base, "-threads", strconv.Itoa(f.threads))
	}
	start := time.Now()
	_, err := f.exec(ctx, f.ffmpegPath, append(base, args...))
	if err != nil {
		f.logger.Warn("ffmpeg failed", slog.String("op", op), slog.Duration("elapsed", time.Since(start)), slog.Any("err", err))
		return fmt.Errorf("ffmpeg %s: %w", op, err)
	}
	f.logger.Debug("ffmpeg completed", slog.String("op", op), slog.Duration("elapsed", time.Since(start)))
	return nil
}

// exec runs a binary under the per-call timeout. On expiry the process is
// killed and ErrEngineTimeout returned; stderr is folded into other errors.
func (f *FFmpeg) exec(ctx context.Context, bin string, args []string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	f.logger.Debug("executing", slog.String("bin", bin), slog.Any("args", args))
	cmd := exec.CommandContext(cctx, bin, args...)
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("%w after %s", ErrEngineTimeout, f.timeout)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if msg := tail(stderr.String(), 512); msg != "" {
		return nil, fmt.Errorf("%w: %s", err, msg)
	}
	return nil, err
}

type probeResult struct {
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
		Duration   string `json:"duration"`
	} `json:"streams"`
}

func parseProbe(out []byte) (*VideoInfo, error) {
	var probe probeResult
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	info := &VideoInfo{}
	if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		info.Duration = d
	}
	if br, err := strconv.ParseInt(probe.Format.BitRate, 10, 64); err == nil {
		info.Bitrate = br
	}
	for _, s := range probe.Streams {
		if s.CodecType != "video" {
			continue
		}
		info.Width = s.Width
		info.Height = s.Height
		info.FPS = parseFrameRate(s.RFrameRate)
		if info.Duration == 0 {
			if d, err := strconv.ParseFloat(s.Duration, 64); err == nil {
				info.Duration = d
			}
		}
		break
	}
	return info, nil
}

// parseFrameRate parses "30000/1001" or "25".
func parseFrameRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func codecArgs(format string) []string {
	switch format {
	case "webm":
		return []string{"-c:v", "libvpx-vp9", "-b:v", "0", "-crf", "32", "-c:a", "libopus"}
	default:
		return []string{"-c:v", "libx264", "-preset", "veryfast", "-crf", "23", "-c:a", "aac", "-b:a", "160k"}
	}
}

func muxerFor(format string) string {
	switch format {
	case "mkv":
		return "matroska"
	case "":
		return "mp4"
	default:
		return format
	}
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// doubleRate turns "6M" into "12M" for -bufsize.
func doubleRate(rate string) string {
	if rate == "" {
		return rate
	}
	unit := rate[len(rate)-1:]
	n, err := strconv.Atoi(rate[:len(rate)-1])
	if err != nil {
		return rate
	}
	return strconv.Itoa(n*2) + unit
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}

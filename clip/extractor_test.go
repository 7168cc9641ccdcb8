package clip

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"
)

// fakeEngine writes placeholder files instead of transcoding.
type fakeEngine struct {
	mu         sync.Mutex
	calls      []string
	failOn     map[string]error
	info       *VideoInfo
	versionErr error
	lastThumb  ThumbnailRequest
	lastReq    ExtractRequest
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{failOn: map[string]error{}, info: &VideoInfo{Width: 1920, Height: 1080, FPS: 30, Duration: 12.5, Bitrate: 4000000}}
}

func (f *fakeEngine) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	return f.failOn[op]
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEngine) Extract(_ context.Context, req ExtractRequest) error {
	f.lastReq = req
	if err := f.record("extract"); err != nil {
		// leave a partial file behind like a crashed transcode would
		_ = os.WriteFile(req.Output, []byte("partial"), 0o644)
		return err
	}
	return os.WriteFile(req.Output, []byte("video"), 0o644)
}

func (f *fakeEngine) Thumbnail(_ context.Context, req ThumbnailRequest) error {
	f.lastThumb = req
	if err := f.record("thumbnail"); err != nil {
		return err
	}
	return os.WriteFile(req.Output, []byte("jpeg"), 0o644)
}

func (f *fakeEngine) Convert(_ context.Context, req ConvertRequest) error {
	if err := f.record("convert"); err != nil {
		return err
	}
	return os.WriteFile(req.Output, []byte("converted"), 0o644)
}

func (f *fakeEngine) Probe(_ context.Context, _ string) (*VideoInfo, error) {
	if err := f.record("probe"); err != nil {
		return nil, err
	}
	cp := *f.info
	return &cp, nil
}

func (f *fakeEngine) Version(context.Context) (string, error) {
	if err := f.record("version"); err != nil {
		return "", err
	}
	return "ffmpeg version fake", f.versionErr
}

func newTestExtractor(t *testing.T, eng Engine) *Extractor {
	t.Helper()
	root := t.TempDir()
	ex, err := NewExtractor(eng, filepath.Join(root, "out"), filepath.Join(root, "tmp"))
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	t.Cleanup(func() { _ = ex.Cleanup() })
	return ex
}

func TestExtractClipInvalidRangeSkipsEngine(t *testing.T) {
	eng := newFakeEngine()
	ex := newTestExtractor(t, eng)
	tests := []struct {
		name       string
		start, end float64
	}{
		{"end equals start", 10, 10},
		{"end before start", 20, 10},
		{"negative start", -1, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ex.ExtractClip(context.Background(), "https://example.com/vod.m3u8", tt.start, tt.end, "mp4", "720p")
			if res.Success {
				t.Fatal("expected failure")
			}
			if !errors.Is(res.Err, ErrInvalidRange) {
				t.Errorf("err = %v, want ErrInvalidRange", res.Err)
			}
			if !IsInputError(res.Err) {
				t.Error("range error should be an input error")
			}
		})
	}
	if n := eng.callCount(); n != 0 {
		t.Errorf("engine invoked %d times for invalid input", n)
	}
}

func TestExtractClipValidatesFormatAndResolution(t *testing.T) {
	eng := newFakeEngine()
	ex := newTestExtractor(t, eng)
	if res := ex.ExtractClip(context.Background(), "in.mp4", 0, 5, "avi", ""); !errors.Is(res.Err, ErrUnsupportedFormat) {
		t.Errorf("format err = %v", res.Err)
	}
	if res := ex.ExtractClip(context.Background(), "in.mp4", 0, 5, "mp4", "huge"); !errors.Is(res.Err, ErrInvalidResolution) {
		t.Errorf("resolution err = %v", res.Err)
	}
	if res := ex.ExtractClip(context.Background(), "", 0, 5, "mp4", ""); !errors.Is(res.Err, ErrMissingInput) {
		t.Errorf("missing input err = %v", res.Err)
	}
	if n := eng.callCount(); n != 0 {
		t.Errorf("engine invoked %d times for invalid input", n)
	}
}

func TestExtractClipSuccess(t *testing.T) {
	eng := newFakeEngine()
	ex := newTestExtractor(t, eng)
	res := ex.ExtractClip(context.Background(), "https://example.com/vod.m3u8", 10, 22.5, "", "1280x720")
	if !res.Success {
		t.Fatalf("ExtractClip failed: %v", res.Err)
	}
	if filepath.Ext(res.OutputPath) != ".mp4" {
		t.Errorf("output %q, want .mp4", res.OutputPath)
	}
	if _, err := os.Stat(res.OutputPath); err != nil {
		t.Errorf("output missing: %v", err)
	}
	if res.Duration != 12.5 {
		t.Errorf("duration = %v, want probed 12.5", res.Duration)
	}
	if eng.lastReq.Start != 10 || eng.lastReq.Duration != 12.5 || eng.lastReq.Width != 1280 {
		t.Errorf("engine request = %+v", eng.lastReq)
	}
}

func TestGenerateThumbnailClampsToDuration(t *testing.T) {
	eng := newFakeEngine()
	ex := newTestExtractor(t, eng)
	clipPath := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(clipPath, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}
	res := ex.GenerateThumbnail(context.Background(), clipPath, 30)
	if !res.Success {
		t.Fatalf("GenerateThumbnail failed: %v", res.Err)
	}
	want := 12.5 - 1.0/30
	if got := eng.lastThumb.At; got < want-1e-9 || got > want+1e-9 {
		t.Errorf("thumbnail at %v, want %v", got, want)
	}
	if filepath.Base(res.OutputPath) != "clip.jpg" {
		t.Errorf("output = %q", res.OutputPath)
	}
}

func TestConvertForPlatform(t *testing.T) {
	eng := newFakeEngine()
	ex := newTestExtractor(t, eng)
	clipPath := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(clipPath, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}
	res := ex.ConvertForPlatform(context.Background(), clipPath, "TikTok")
	if !res.Success {
		t.Fatalf("ConvertForPlatform failed: %v", res.Err)
	}
	if filepath.Base(res.OutputPath) != "clip_tiktok.mp4" {
		t.Errorf("output = %q", res.OutputPath)
	}

	before := eng.callCount()
	res = ex.ConvertForPlatform(context.Background(), clipPath, "myspace")
	if res.Success || !errors.Is(res.Err, ErrUnknownPlatform) {
		t.Errorf("unknown platform result = %+v", res)
	}
	if eng.callCount() != before {
		t.Error("engine invoked for unknown platform")
	}
}

func TestGetVideoInfoUnreadable(t *testing.T) {
	eng := newFakeEngine()
	ex := newTestExtractor(t, eng)
	if info := ex.GetVideoInfo(context.Background(), "/does/not/exist.mp4"); info != nil {
		t.Errorf("info = %+v, want nil", info)
	}
	p := filepath.Join(t.TempDir(), "corrupt.mp4")
	_ = os.WriteFile(p, []byte("x"), 0o644)
	eng.failOn["probe"] = errors.New("invalid data found")
	if info := ex.GetVideoInfo(context.Background(), p); info != nil {
		t.Errorf("info = %+v, want nil on probe failure", info)
	}
}

func TestCleanupRemovesTempsAfterFailure(t *testing.T) {
	eng := newFakeEngine()
	ex := newTestExtractor(t, eng)

	if res := ex.ExtractClip(context.Background(), "in.mp4", 0, 5, "mp4", ""); !res.Success {
		t.Fatalf("first extract failed: %v", res.Err)
	}
	eng.failOn["extract"] = errors.New("engine crashed")
	if res := ex.ExtractClip(context.Background(), "in.mp4", 5, 10, "mp4", ""); res.Success {
		t.Fatal("expected failure")
	}
	entries, _ := os.ReadDir(ex.TempDir())
	if len(entries) == 0 {
		t.Fatal("expected a partial file left in the temp dir before cleanup")
	}
	if err := ex.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(ex.TempDir()); !os.IsNotExist(err) {
		t.Errorf("temp dir still present: %v", err)
	}
	if err := ex.Cleanup(); err != nil {
		t.Errorf("second Cleanup: %v", err)
	}
}

func TestValidateFFmpegInstallationCached(t *testing.T) {
	eng := newFakeEngine()
	ex := newTestExtractor(t, eng)
	if !ex.ValidateFFmpegInstallation(context.Background()) {
		t.Fatal("expected valid installation")
	}
	ex.ValidateFFmpegInstallation(context.Background())
	if n := eng.callCount(); n != 1 {
		t.Errorf("Version called %d times, want 1", n)
	}

	missing := newFakeEngine()
	missing.failOn["version"] = errors.New("ffmpeg not found")
	if newTestExtractor(t, missing).ValidateFFmpegInstallation(context.Background()) {
		t.Error("expected invalid installation")
	}
}

func TestSweepStale(t *testing.T) {
	root := t.TempDir()
	old := filepath.Join(root, tempDirPrefix+"old")
	fresh := filepath.Join(root, tempDirPrefix+"fresh")
	other := filepath.Join(root, "keep.mp4")
	for _, d := range []string{old, fresh} {
		if err := os.Mkdir(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	_ = os.WriteFile(other, []byte("x"), 0o644)
	past := time.Now().Add(-2 * time.Hour)
	_ = os.Chtimes(old, past, past)
	_ = os.Chtimes(other, past, past)

	n, err := SweepStale(root, time.Hour)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("stale dir not removed")
	}
	for _, p := range []string{fresh, other} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s removed unexpectedly", p)
		}
	}
}

func TestParseResolution(t *testing.T) {
	tests := []struct {
		in      string
		w, h    int
		wantErr bool
	}{
		{"", 0, 0, false},
		{"720p", -2, 720, false},
		{"1080x1920", 1080, 1920, false},
		{"1081x1920", 0, 0, true},
		{"big", 0, 0, true},
	}
	for _, tt := range tests {
		w, h, err := ParseResolution(tt.in)
		if (err != nil) != tt.wantErr || w != tt.w || h != tt.h {
			t.Errorf("ParseResolution(%q) = %d,%d,%v", tt.in, w, h, err)
		}
	}
}

func TestParseProbe(t *testing.T) {
	out := []byte(`{"format":{"duration":"42.120000","bit_rate":"2500000"},"streams":[{"codec_type":"audio"},{"codec_type":"video","width":1280,"height":720,"r_frame_rate":"30000/1001"}]}`)
	info, err := parseProbe(out)
	if err != nil {
		t.Fatalf("parseProbe: %v", err)
	}
	if info.Width != 1280 || info.Height != 720 || info.Duration != 42.12 || info.Bitrate != 2500000 {
		t.Errorf("info = %+v", info)
	}
	if info.FPS < 29.96 || info.FPS > 29.98 {
		t.Errorf("fps = %v", info.FPS)
	}
}

func TestDoubleRate(t *testing.T) {
	if got := doubleRate("6M"); got != "12M" {
		t.Errorf("doubleRate(6M) = %q", got)
	}
	if got := doubleRate("weird"); got != "weird" {
		t.Errorf("doubleRate(weird) = %q", got)
	}
}

func TestFFmpegTimeoutKillsProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a shell script standing in for ffmpeg")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "ffmpeg")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	f := NewFFmpeg(FFmpegOptions{FFmpegPath: bin, FFprobePath: bin, Timeout: 300 * time.Millisecond})

	start := time.Now()
	err := f.Extract(context.Background(), ExtractRequest{
		Input:    filepath.Join(dir, "in.mp4"),
		Output:   filepath.Join(dir, "out.mp4"),
		Duration: 5,
	})
	if !errors.Is(err, ErrEngineTimeout) {
		t.Fatalf("err = %v, want ErrEngineTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Extract returned after %s, want the process killed at the timeout", elapsed)
	}
}

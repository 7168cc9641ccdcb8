package clip

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Fit modes for presets whose aspect ratio differs from the source.
const (
	FitPad  = "pad"
	FitCrop = "crop"
)

// Preset is a platform output profile.
type Preset struct {
	Name           string  `json:"name"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	AspectRatio    string  `json:"aspect_ratio"`
	MaxDurationSec float64 `json:"max_duration_sec"`
	VideoBitrate   string  `json:"video_bitrate"`
	AudioBitrate   string  `json:"audio_bitrate"`
	Fit            string  `json:"fit"`
}

var presets = map[string]Preset{
	"youtube":         {Name: "youtube", Width: 1920, Height: 1080, AspectRatio: "16:9", MaxDurationSec: 0, VideoBitrate: "8M", AudioBitrate: "192k", Fit: FitPad},
	"youtube_shorts":  {Name: "youtube_shorts", Width: 1080, Height: 1920, AspectRatio: "9:16", MaxDurationSec: 60, VideoBitrate: "6M", AudioBitrate: "128k", Fit: FitCrop},
	"tiktok":          {Name: "tiktok", Width: 1080, Height: 1920, AspectRatio: "9:16", MaxDurationSec: 180, VideoBitrate: "6M", AudioBitrate: "128k", Fit: FitCrop},
	"instagram_reels": {Name: "instagram_reels", Width: 1080, Height: 1920, AspectRatio: "9:16", MaxDurationSec: 90, VideoBitrate: "5M", AudioBitrate: "128k", Fit: FitCrop},
	"instagram_feed":  {Name: "instagram_feed", Width: 1080, Height: 1080, AspectRatio: "1:1", MaxDurationSec: 60, VideoBitrate: "5M", AudioBitrate: "128k", Fit: FitCrop},
	"twitter":         {Name: "twitter", Width: 1280, Height: 720, AspectRatio: "16:9", MaxDurationSec: 140, VideoBitrate: "5M", AudioBitrate: "128k", Fit: FitPad},
}

// LookupPreset returns the preset for platform (case-insensitive).
func LookupPreset(platform string) (Preset, error) {
	p, ok := presets[strings.ToLower(strings.TrimSpace(platform))]
	if !ok {
		return Preset{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
	return p, nil
}

// Platforms lists the known preset names, sorted.
func Platforms() []string {
	names := make([]string, 0, len(presets))
	for k := range presets {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

var formats = map[string]struct{}{"mp4": {}, "webm": {}, "mov": {}, "mkv": {}}

// normalizeFormat validates an output container, defaulting to mp4.
func normalizeFormat(f string) (string, error) {
	f = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(f), "."))
	if f == "" {
		return "mp4", nil
	}
	if _, ok := formats[f]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
	}
	return f, nil
}

// ParseResolution accepts "", "source", "480p", "720p", "1080p" or "WxH".
// 0x0 keeps the source size; a width of -2 keeps the aspect ratio at an even width.
func ParseResolution(res string) (w, h int, err error) {
	r := strings.ToLower(strings.TrimSpace(res))
	switch r {
	case "", "source", "original":
		return 0, 0, nil
	case "480p":
		return -2, 480, nil
	case "720p":
		return -2, 720, nil
	case "1080p":
		return -2, 1080, nil
	}
	parts := strings.Split(r, "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidResolution, res)
	}
	w, errW := strconv.Atoi(parts[0])
	h, errH := strconv.Atoi(parts[1])
	if errW != nil || errH != nil || w <= 0 || h <= 0 || w%2 != 0 || h%2 != 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidResolution, res)
	}
	return w, h, nil
}

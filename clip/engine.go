// Package clip materializes highlights as standalone video files by driving an
// external transcoding engine (ffmpeg). The engine sits behind the Engine
// interface so tests and alternate backends can replace it.
package clip

import (
	"context"
	"errors"
)

// Input errors. They describe a bad request and are never worth retrying.
var (
	ErrInvalidRange      = errors.New("invalid time range")
	ErrUnknownPlatform   = errors.New("unknown platform preset")
	ErrUnsupportedFormat = errors.New("unsupported output format")
	ErrInvalidResolution = errors.New("invalid resolution")
	ErrMissingInput      = errors.New("missing input")
)

// ErrEngineTimeout is returned when a transcode exceeds its deadline and the
// subprocess was killed. It is transient.
var ErrEngineTimeout = errors.New("ffmpeg timed out")

// IsInputError reports whether err stems from invalid caller input.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrUnknownPlatform) ||
		errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrInvalidResolution) ||
		errors.Is(err, ErrMissingInput)
}

// VideoInfo is probed container/stream metadata. Duration is in seconds,
// Bitrate in bits per second.
type VideoInfo struct {
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	FPS      float64 `json:"fps"`
	Duration float64 `json:"duration"`
	Bitrate  int64   `json:"bitrate"`
}

// ExtractRequest cuts [Start, Start+Duration) seconds of Input into Output.
// Width/Height of 0 keep the source resolution.
type ExtractRequest struct {
	Input    string
	Output   string
	Start    float64
	Duration float64
	Format   string
	Width    int
	Height   int
}

// ThumbnailRequest grabs one frame at At seconds.
type ThumbnailRequest struct {
	Input  string
	Output string
	At     float64
	Width  int
}

// ConvertRequest re-encodes Input with a platform preset.
type ConvertRequest struct {
	Input  string
	Output string
	Preset Preset
}

// Engine is the narrow surface the extractor needs from a transcoder.
type Engine interface {
	Extract(ctx context.Context, req ExtractRequest) error
	Thumbnail(ctx context.Context, req ThumbnailRequest) error
	Probe(ctx context.Context, path string) (*VideoInfo, error)
	Convert(ctx context.Context, req ConvertRequest) error
	Version(ctx context.Context) (string, error)
}

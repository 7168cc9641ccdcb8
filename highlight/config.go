package highlight

import (
	"errors"
	"fmt"
)

// Weights controls how much each signal contributes to a highlight's confidence.
type Weights struct {
	Rate     float64 `yaml:"rate" json:"rate"`
	Users    float64 `yaml:"users" json:"users"`
	Keywords float64 `yaml:"keywords" json:"keywords"`
}

func (w Weights) sum() float64 { return w.Rate + w.Users + w.Keywords }

// Config tunes detection. A Config that starts from DefaultConfig is used as
// is, so an explicit 0 (for example min_absolute_count or merge_gap_ms) is
// kept. Any other Config has its zero fields filled from the defaults by
// Normalize.
type Config struct {
	// BucketWidthMs is the window used when bucketizing chat for this detector.
	BucketWidthMs int64 `yaml:"bucket_width_ms" json:"bucket_width_ms"`
	// SpikeMultiplier scales the baseline into the relative threshold.
	SpikeMultiplier float64 `yaml:"spike_multiplier" json:"spike_multiplier"`
	// MinAbsoluteCount is the floor a bucket must exceed regardless of baseline.
	MinAbsoluteCount int `yaml:"min_absolute_count" json:"min_absolute_count"`
	// MinBaselineBuckets is how many non-empty buckets are needed before the
	// mean is trusted as a baseline; below it the baseline is zero.
	MinBaselineBuckets int `yaml:"min_baseline_buckets" json:"min_baseline_buckets"`
	// MergeGapMs is the largest silent gap that still joins two clusters.
	MergeGapMs int64 `yaml:"merge_gap_ms" json:"merge_gap_ms"`
	// TopN bounds the keyword and emote lists.
	TopN int `yaml:"top_n" json:"top_n"`
	// EmoteDensityThreshold is emote tokens per message that marks a bucket
	// as emote spam even without a rate spike.
	EmoteDensityThreshold float64 `yaml:"emote_density_threshold" json:"emote_density_threshold"`
	EmoteMinMessages      int     `yaml:"emote_min_messages" json:"emote_min_messages"`
	// RateSaturation is the peak/baseline ratio at which the rate score reaches 1.
	RateSaturation float64 `yaml:"rate_saturation" json:"rate_saturation"`
	Weights        Weights `yaml:"weights" json:"weights"`
	MinConfidence  float64 `yaml:"min_confidence" json:"min_confidence"`
	// MaxHighlights caps the result, keeping the most confident (0 = no cap).
	MaxHighlights int `yaml:"max_highlights" json:"max_highlights"`
	// ExtraEmotes extends the signal extractor's emote list.
	ExtraEmotes []string `yaml:"extra_emotes" json:"extra_emotes,omitempty"`

	// complete marks a config whose zero fields are deliberate.
	complete bool
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		BucketWidthMs:         5000,
		SpikeMultiplier:       2.0,
		MinAbsoluteCount:      5,
		MinBaselineBuckets:    5,
		MergeGapMs:            30000,
		TopN:                  5,
		EmoteDensityThreshold: 0.8,
		EmoteMinMessages:      3,
		RateSaturation:        6,
		Weights:               Weights{Rate: 0.5, Users: 0.2, Keywords: 0.3},
		complete:              true,
	}
}

// Normalize fills zero fields from DefaultConfig. Configs derived from
// DefaultConfig are returned unchanged.
func (c Config) Normalize() Config {
	if c.complete {
		return c
	}
	d := DefaultConfig()
	if c.BucketWidthMs == 0 {
		c.BucketWidthMs = d.BucketWidthMs
	}
	if c.SpikeMultiplier == 0 {
		c.SpikeMultiplier = d.SpikeMultiplier
	}
	if c.MinAbsoluteCount == 0 {
		c.MinAbsoluteCount = d.MinAbsoluteCount
	}
	if c.MinBaselineBuckets == 0 {
		c.MinBaselineBuckets = d.MinBaselineBuckets
	}
	if c.MergeGapMs == 0 {
		c.MergeGapMs = d.MergeGapMs
	}
	if c.TopN == 0 {
		c.TopN = d.TopN
	}
	if c.EmoteDensityThreshold == 0 {
		c.EmoteDensityThreshold = d.EmoteDensityThreshold
	}
	if c.EmoteMinMessages == 0 {
		c.EmoteMinMessages = d.EmoteMinMessages
	}
	if c.RateSaturation == 0 {
		c.RateSaturation = d.RateSaturation
	}
	if c.Weights == (Weights{}) {
		c.Weights = d.Weights
	}
	c.complete = true
	return c
}

// Validate rejects configurations the detector cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.BucketWidthMs <= 0 {
		errs = append(errs, fmt.Errorf("bucket_width_ms must be positive, got %d", c.BucketWidthMs))
	}
	if c.SpikeMultiplier < 1 {
		errs = append(errs, fmt.Errorf("spike_multiplier must be >= 1, got %v", c.SpikeMultiplier))
	}
	if c.MinAbsoluteCount < 0 {
		errs = append(errs, fmt.Errorf("min_absolute_count must not be negative, got %d", c.MinAbsoluteCount))
	}
	if c.MergeGapMs < 0 {
		errs = append(errs, fmt.Errorf("merge_gap_ms must not be negative, got %d", c.MergeGapMs))
	}
	if c.TopN < 0 {
		errs = append(errs, fmt.Errorf("top_n must not be negative, got %d", c.TopN))
	}
	if c.RateSaturation <= 1 {
		errs = append(errs, fmt.Errorf("rate_saturation must be > 1, got %v", c.RateSaturation))
	}
	if c.Weights.Rate < 0 || c.Weights.Users < 0 || c.Weights.Keywords < 0 || c.Weights.sum() <= 0 {
		errs = append(errs, fmt.Errorf("weights must be non-negative with a positive sum, got %+v", c.Weights))
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("min_confidence must be within [0,1], got %v", c.MinConfidence))
	}
	if c.MaxHighlights < 0 {
		errs = append(errs, fmt.Errorf("max_highlights must not be negative, got %d", c.MaxHighlights))
	}
	return errors.Join(errs...)
}

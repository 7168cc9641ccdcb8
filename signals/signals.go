// Package signals turns a raw chat log into fixed-width time buckets with
// per-window engagement statistics (message rate, unique speakers, sentiment,
// keyword and emote counts). Output feeds the highlight detector.
package signals

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidBucketWidth is returned when the bucket width is not positive.
	ErrInvalidBucketWidth = errors.New("bucket width must be positive")
	// ErrInvalidDuration is returned for a negative recording duration.
	ErrInvalidDuration = errors.New("total duration must not be negative")
)

// ChatEvent is a single chat message relative to the start of a recording.
type ChatEvent struct {
	TimestampMs int64  `json:"timestamp_ms"`
	UserID      string `json:"user_id"`
	Text        string `json:"text"`
}

// TimeBucket aggregates every chat event whose timestamp falls in [StartMs, EndMs).
type TimeBucket struct {
	Index        int
	StartMs      int64
	EndMs        int64
	MessageCount int
	UniqueUsers  int
	SentimentSum float64
	// KeywordCounts holds every surviving token, emotes included.
	KeywordCounts map[string]int
	// EmoteCounts is the emote subset of KeywordCounts.
	EmoteCounts map[string]int
	// FirstSeen maps a token to the arrival ordinal of its first occurrence
	// across the whole log, used to break frequency ties.
	FirstSeen map[string]int

	users map[string]struct{}
}

// EmoteTokens returns the number of emote tokens counted in the bucket.
func (b *TimeBucket) EmoteTokens() int {
	n := 0
	for _, c := range b.EmoteCounts {
		n += c
	}
	return n
}

// MeanSentiment is the average per-message sentiment, 0 for an empty bucket.
func (b *TimeBucket) MeanSentiment() float64 {
	if b.MessageCount == 0 {
		return 0
	}
	return b.SentimentSum / float64(b.MessageCount)
}

// DurationMs is the bucket's width; the last bucket may be shorter.
func (b *TimeBucket) DurationMs() int64 { return b.EndMs - b.StartMs }

// BucketCount returns ceil(totalDurationMs / bucketWidthMs).
func BucketCount(totalDurationMs, bucketWidthMs int64) int {
	if bucketWidthMs <= 0 || totalDurationMs <= 0 {
		return 0
	}
	return int((totalDurationMs + bucketWidthMs - 1) / bucketWidthMs)
}

// Bucketize buckets events with the default analyzer.
func Bucketize(events []ChatEvent, totalDurationMs, bucketWidthMs int64) ([]TimeBucket, error) {
	return Default().Bucketize(events, totalDurationMs, bucketWidthMs)
}

// Bucketize assigns each event to its window and accumulates statistics.
// Events may arrive in any order. Events past the last bucket, or with a
// negative timestamp, are discarded because the recording duration is
// authoritative. An empty log still produces every bucket, zeroed.
func (a *Analyzer) Bucketize(events []ChatEvent, totalDurationMs, bucketWidthMs int64) ([]TimeBucket, error) {
	if bucketWidthMs <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBucketWidth, bucketWidthMs)
	}
	if totalDurationMs < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDuration, totalDurationMs)
	}
	n := BucketCount(totalDurationMs, bucketWidthMs)
	buckets := make([]TimeBucket, n)
	for i := range buckets {
		start := int64(i) * bucketWidthMs
		end := start + bucketWidthMs
		if end > totalDurationMs {
			end = totalDurationMs
		}
		buckets[i] = TimeBucket{
			Index:         i,
			StartMs:       start,
			EndMs:         end,
			KeywordCounts: map[string]int{},
			EmoteCounts:   map[string]int{},
			FirstSeen:     map[string]int{},
			users:         map[string]struct{}{},
		}
	}

	firstSeen := map[string]int{}
	ordinal := 0
	for _, ev := range events {
		if ev.TimestampMs < 0 {
			continue
		}
		idx := ev.TimestampMs / bucketWidthMs
		if idx >= int64(n) {
			continue
		}
		b := &buckets[idx]
		b.MessageCount++
		if ev.UserID != "" {
			b.users[ev.UserID] = struct{}{}
		}
		tokens := a.Tokenize(ev.Text)
		b.SentimentSum += a.Score(tokens)
		for _, tok := range tokens {
			if _, ok := firstSeen[tok]; !ok {
				firstSeen[tok] = ordinal
				ordinal++
			}
			if _, ok := b.FirstSeen[tok]; !ok {
				b.FirstSeen[tok] = firstSeen[tok]
			}
			b.KeywordCounts[tok]++
			if a.IsEmote(tok) {
				b.EmoteCounts[tok]++
			}
		}
	}
	for i := range buckets {
		buckets[i].UniqueUsers = len(buckets[i].users)
	}
	return buckets, nil
}

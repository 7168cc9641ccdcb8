// Package highlight finds windows of unusually high chat engagement in
// bucketed chat statistics and scores each one.
//
// Detection is pure and deterministic: the same buckets always produce the
// same moments, in ascending start order and without overlap.
package highlight

import (
	"math"
	"sort"

	"github.com/onnwee/clip-tender/signals"
)

// Reason labels describe which signal dominated a moment's confidence.
const (
	ReasonActivitySpike = "activity spike"
	ReasonCrowdReaction = "crowd reaction"
	ReasonEmoteSpam     = "emote spam"
	ReasonKeywordBurst  = "keyword burst"
)

// Moment is one detected highlight.
type Moment struct {
	StartMs      int64    `json:"start_ms"`
	EndMs        int64    `json:"end_ms"`
	Confidence   float64  `json:"confidence"`
	Reason       string   `json:"reason"`
	Sentiment    float64  `json:"sentiment"`
	MessageCount int      `json:"message_count"`
	UniqueUsers  int      `json:"unique_users"`
	PeakRate     float64  `json:"peak_rate"`
	Keywords     []string `json:"keywords"`
	Emotes       []string `json:"emotes"`
}

// DurationMs returns EndMs - StartMs.
func (m Moment) DurationMs() int64 { return m.EndMs - m.StartMs }

// Detector runs spike detection with a fixed configuration.
type Detector struct {
	cfg Config
}

// New validates cfg (after filling defaults) and returns a detector.
func New(cfg Config) (*Detector, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

type cluster struct{ first, last int }

// Detect returns the highlights found in buckets. No buckets or no candidate
// yields an empty slice.
func (d *Detector) Detect(buckets []signals.TimeBucket) []Moment {
	out := []Moment{}
	if len(buckets) == 0 {
		return out
	}
	baseline := d.Baseline(buckets)
	threshold := math.Max(baseline*d.cfg.SpikeMultiplier, float64(d.cfg.MinAbsoluteCount))

	var clusters []cluster
	for i := range buckets {
		if !d.isCandidate(&buckets[i], threshold) {
			continue
		}
		if n := len(clusters); n > 0 {
			cur := &clusters[n-1]
			if buckets[i].StartMs-buckets[cur.last].EndMs <= d.cfg.MergeGapMs {
				cur.last = i
				continue
			}
		}
		clusters = append(clusters, cluster{first: i, last: i})
	}

	for _, c := range clusters {
		m := d.aggregate(buckets[c.first:c.last+1], baseline)
		if m.Confidence < d.cfg.MinConfidence {
			continue
		}
		out = append(out, m)
	}
	if d.cfg.MaxHighlights > 0 && len(out) > d.cfg.MaxHighlights {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
		out = out[:d.cfg.MaxHighlights]
		sort.Slice(out, func(i, j int) bool { return out[i].StartMs < out[j].StartMs })
	}
	return out
}

// Baseline is the mean message count across non-empty buckets, or 0 when
// fewer than MinBaselineBuckets buckets carry any chat.
func (d *Detector) Baseline(buckets []signals.TimeBucket) float64 {
	var total, nonEmpty int
	for i := range buckets {
		if buckets[i].MessageCount > 0 {
			total += buckets[i].MessageCount
			nonEmpty++
		}
	}
	if nonEmpty == 0 || nonEmpty < d.cfg.MinBaselineBuckets {
		return 0
	}
	return float64(total) / float64(nonEmpty)
}

func (d *Detector) isCandidate(b *signals.TimeBucket, threshold float64) bool {
	if b.MessageCount == 0 {
		return false
	}
	if float64(b.MessageCount) > threshold {
		return true
	}
	density := float64(b.EmoteTokens()) / float64(b.MessageCount)
	return b.MessageCount >= d.cfg.EmoteMinMessages && density >= d.cfg.EmoteDensityThreshold
}

func (d *Detector) aggregate(span []signals.TimeBucket, baseline float64) Moment {
	m := Moment{
		StartMs: span[0].StartMs,
		EndMs:   span[len(span)-1].EndMs,
	}
	keywords := newTally()
	emotes := newTally()
	var sentimentSum float64
	var sentimentN, peakCount int
	for i := range span {
		b := &span[i]
		m.MessageCount += b.MessageCount
		m.UniqueUsers += b.UniqueUsers
		if b.MessageCount > 0 {
			sentimentSum += b.MeanSentiment()
			sentimentN++
		}
		if b.MessageCount > peakCount {
			peakCount = b.MessageCount
		}
		if secs := float64(b.DurationMs()) / 1000; secs > 0 {
			if r := float64(b.MessageCount) / secs; r > m.PeakRate {
				m.PeakRate = r
			}
		}
		keywords.add(b.KeywordCounts, b.FirstSeen)
		emotes.add(b.EmoteCounts, b.FirstSeen)
	}
	if sentimentN > 0 {
		m.Sentiment = clamp(sentimentSum/float64(sentimentN), -1, 1)
	}
	m.Keywords = keywords.top(d.cfg.TopN)
	m.Emotes = emotes.top(d.cfg.TopN)

	scores := d.score(m, peakCount, baseline, keywords.maxCount())
	m.Confidence = scores.confidence(d.cfg.Weights)
	m.Reason = scores.reason(d.cfg.Weights, len(m.Keywords) > 0 && len(m.Emotes) > 0 && m.Keywords[0] == m.Emotes[0])
	return m
}

type components struct {
	rate, users, keywords float64
}

func (d *Detector) score(m Moment, peakCount int, baseline float64, topTokenCount int) components {
	var c components
	ratio := float64(peakCount) / math.Max(baseline, 1)
	c.rate = clamp((ratio-1)/(d.cfg.RateSaturation-1), 0, 1)
	if m.MessageCount > 0 {
		c.users = clamp(float64(m.UniqueUsers)/float64(m.MessageCount), 0, 1)
		c.keywords = clamp(float64(topTokenCount)/float64(m.MessageCount), 0, 1)
	}
	return c
}

func (c components) confidence(w Weights) float64 {
	sum := w.sum()
	if sum <= 0 {
		return 0
	}
	return clamp((w.Rate*c.rate+w.Users*c.users+w.Keywords*c.keywords)/sum, 0, 1)
}

// reason picks the label of the largest weighted component; ties go to the
// rate, then users, then keywords.
func (c components) reason(w Weights, topIsEmote bool) string {
	rate, users, kw := w.Rate*c.rate, w.Users*c.users, w.Keywords*c.keywords
	switch {
	case rate >= users && rate >= kw:
		return ReasonActivitySpike
	case users >= kw:
		return ReasonCrowdReaction
	case topIsEmote:
		return ReasonEmoteSpam
	default:
		return ReasonKeywordBurst
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// tally aggregates token counts across buckets, remembering the earliest
// first-seen ordinal of each token.
type tally struct {
	counts map[string]int
	first  map[string]int
}

func newTally() *tally {
	return &tally{counts: map[string]int{}, first: map[string]int{}}
}

func (t *tally) add(counts, firstSeen map[string]int) {
	for tok, n := range counts {
		t.counts[tok] += n
		fs, ok := firstSeen[tok]
		if !ok {
			fs = math.MaxInt
		}
		if cur, seen := t.first[tok]; !seen || fs < cur {
			t.first[tok] = fs
		}
	}
}

func (t *tally) maxCount() int {
	best := 0
	for _, n := range t.counts {
		if n > best {
			best = n
		}
	}
	return best
}

// top returns up to n tokens by count desc, then first-seen asc, then token.
func (t *tally) top(n int) []string {
	toks := make([]string, 0, len(t.counts))
	for tok := range t.counts {
		toks = append(toks, tok)
	}
	sort.Slice(toks, func(i, j int) bool {
		a, b := toks[i], toks[j]
		if t.counts[a] != t.counts[b] {
			return t.counts[a] > t.counts[b]
		}
		if t.first[a] != t.first[b] {
			return t.first[a] < t.first[b]
		}
		return a < b
	})
	if len(toks) > n {
		toks = toks[:n]
	}
	return toks
}

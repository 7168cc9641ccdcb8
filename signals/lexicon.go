package signals

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// DefaultEmotes are the Twitch/BTTV/7TV emote names recognized out of the box,
// stored lower-cased.
var DefaultEmotes = []string{
	"pogchamp", "pog", "poggers", "pogu", "kekw", "lul", "lulw", "omegalul",
	"kappa", "keepo", "pepehands", "pepega", "monkas", "monkaw", "biblethump",
	"residentsleeper", "notlikethis", "wutface", "trihard", "jebaited",
	"ez", "gg", "sadge", "copium", "5head", "pepelaugh", "catjam", "hypers",
}

var defaultPositive = []string{
	"pog", "pogchamp", "poggers", "pogu", "hype", "hypers", "gg", "ez", "nice",
	"love", "amazing", "awesome", "great", "insane", "clutch", "lets", "wow",
	"lol", "lmao", "kekw", "lul", "omegalul", "catjam", "best", "good", "win",
	"beautiful", "cool", "epic", "legendary", "goat",
}

var defaultNegative = []string{
	"bad", "boring", "trash", "fail", "lose", "lost", "worst", "terrible",
	"awful", "hate", "cringe", "sad", "sadge", "pepehands", "biblethump",
	"notlikethis", "residentsleeper", "rip", "oof", "ugh", "wtf", "laggy",
	"lag", "throw", "throwing", "sucks", "ff",
}

var defaultStopWords = []string{
	"a", "an", "the", "and", "or", "but", "if", "of", "to", "in", "on", "at",
	"for", "is", "it", "its", "im", "am", "are", "was", "were", "be", "been",
	"this", "that", "these", "those", "with", "as", "by", "from", "so", "do",
	"does", "did", "i", "me", "my", "you", "your", "he", "she", "we", "they",
	"them", "his", "her", "our", "us", "what", "just", "there", "here", "not",
	"no", "yes", "oh", "can", "will", "have", "has", "had", "all", "up",
}

// Analyzer holds the lexicons used to tokenize and score chat text. It is
// immutable after construction and safe for concurrent use.
type Analyzer struct {
	emotes   map[string]struct{}
	positive map[string]struct{}
	negative map[string]struct{}
	stop     map[string]struct{}
	lower    cases.Caser
	mu       sync.Mutex
}

// NewAnalyzer builds an analyzer with the default lexicons plus extra emotes.
func NewAnalyzer(extraEmotes ...string) *Analyzer {
	a := &Analyzer{
		emotes:   toSet(DefaultEmotes),
		positive: toSet(defaultPositive),
		negative: toSet(defaultNegative),
		stop:     toSet(defaultStopWords),
		lower:    cases.Lower(language.Und),
	}
	for _, e := range extraEmotes {
		if e = a.normalize(e); e != "" {
			a.emotes[e] = struct{}{}
		}
	}
	return a
}

var (
	defaultOnce     sync.Once
	defaultAnalyzer *Analyzer
)

// Default returns the shared analyzer built from the default lexicons.
func Default() *Analyzer {
	defaultOnce.Do(func() { defaultAnalyzer = NewAnalyzer() })
	return defaultAnalyzer
}

// IsEmote reports whether a normalized token is a known emote.
func (a *Analyzer) IsEmote(tok string) bool {
	_, ok := a.emotes[tok]
	return ok
}

// Tokenize lower-cases and NFKC-normalizes text, strips punctuation and drops
// stop-words and single-rune tokens. Emotes always survive.
func (a *Analyzer) Tokenize(text string) []string {
	s := a.normalize(text)
	if s == "" {
		return nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if a.IsEmote(f) {
			out = append(out, f)
			continue
		}
		if len([]rune(f)) < 2 {
			continue
		}
		if _, ok := a.stop[f]; ok {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Score returns a message's lexicon sentiment in [-1,1]: the balance of
// positive over negative tokens, 0 when neither list matches.
func (a *Analyzer) Score(tokens []string) float64 {
	var pos, neg int
	for _, t := range tokens {
		if _, ok := a.positive[t]; ok {
			pos++
		}
		if _, ok := a.negative[t]; ok {
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

func (a *Analyzer) normalize(s string) string {
	s = norm.NFKC.String(s)
	// apostrophes are dropped so contractions stay one token
	s = strings.NewReplacer("'", "", "’", "").Replace(s)
	// cases.Caser is stateful and not safe for concurrent use.
	a.mu.Lock()
	s = a.lower.String(s)
	a.mu.Unlock()
	return strings.TrimSpace(s)
}

func toSet(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

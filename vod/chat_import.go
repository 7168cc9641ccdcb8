package vod

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/onnwee/clip-tender/db"
)

// DefaultRechatURL is the Twitch chat replay endpoint.
const DefaultRechatURL = "https://rechat.twitch.tv/rechat-messages"

const (
	rechatStep       = 30 // seconds per page
	maxEmptyPages    = 4
	maxFailedPages   = 3
	unknownMaxOffset = 24 * 60 * 60
)

// ChatSink stores imported chat lines.
type ChatSink interface {
	InsertChatMessages(ctx context.Context, msgs []db.ChatMessage) (int, error)
}

// ChatImporter pulls chat replay pages from Twitch's rechat API for VODs
// recorded without a live chat recorder. It is best-effort and tolerant of
// missing fields.
type ChatImporter struct {
	Sink       ChatSink
	HTTPClient *http.Client
	// BaseURL overrides DefaultRechatURL (tests).
	BaseURL string
	// PageDelay paces requests; zero disables the pause.
	PageDelay time.Duration
	// CookieFile is a Netscape cookie jar used for sub-only VODs.
	CookieFile string
}

// Import walks the VOD in 30s windows and stores every message. When the
// duration is unknown it stops after several consecutive empty windows.
// It returns the number of newly stored messages.
func (ci *ChatImporter) Import(ctx context.Context, vodID string, durationSeconds int, start time.Time) (int, error) {
	if start.IsZero() {
		start = time.Now().UTC()
	}
	maxOffset := durationSeconds
	if maxOffset <= 0 {
		maxOffset = unknownMaxOffset
	}
	logger := slog.Default().With(slog.String("component", "vod_chat_import"), slog.String("vod_id", vodID))
	logger.Info("starting chat import")

	cookieHeader := buildTwitchCookieHeader(ci.CookieFile)
	emptyStreak, failStreak, stored := 0, 0, 0
	seenIDs := make(map[string]struct{})

	for offset := 0; offset <= maxOffset; offset += rechatStep {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		msgs, next, err := ci.fetchChunk(ctx, vodID, offset, cookieHeader)
		if err != nil {
			logger.Warn("fetch rechat chunk failed", slog.Int("offset", offset), slog.Any("err", err))
			failStreak++
			if failStreak >= maxFailedPages {
				if stored == 0 {
					return 0, fmt.Errorf("rechat import: %w", err)
				}
				break
			}
			continue
		}
		failStreak = 0
		if len(msgs) == 0 {
			emptyStreak++
			if emptyStreak >= maxEmptyPages {
				break
			}
			continue
		}
		emptyStreak = 0

		rows := make([]db.ChatMessage, 0, len(msgs))
		for _, m := range msgs {
			if m.ID != "" {
				if _, ok := seenIDs[m.ID]; ok {
					continue
				}
				seenIDs[m.ID] = struct{}{}
			}
			abs := m.Abs
			if abs.IsZero() {
				abs = start.Add(time.Duration(m.Rel * float64(time.Second)))
			}
			rows = append(rows, db.ChatMessage{VODID: vodID, MessageID: m.ID, UserID: m.UserID, Username: m.User, Text: m.Text, Abs: abs, RelSeconds: m.Rel})
		}
		n, err := ci.Sink.InsertChatMessages(ctx, rows)
		if err != nil {
			return stored, err
		}
		stored += n

		// jump ahead when the page reached past this window
		if next > offset+rechatStep {
			offset = next - rechatStep
		}
		if ci.PageDelay > 0 {
			select {
			case <-ctx.Done():
				return stored, ctx.Err()
			case <-time.After(ci.PageDelay):
			}
		}
	}
	logger.Info("chat import finished", slog.Int("stored", stored))
	return stored, nil
}

type rechatMessage struct {
	ID     string
	UserID string
	User   string
	Text   string
	Abs    time.Time
	Rel    float64
}

func (ci *ChatImporter) fetchChunk(ctx context.Context, vodID string, offset int, cookieHeader string) ([]rechatMessage, int, error) {
	base := ci.BaseURL
	if base == "" {
		base = DefaultRechatURL
	}
	u := fmt.Sprintf("%s?video_id=%s&offset=%d", base, url.QueryEscape(strings.TrimPrefix(vodID, "v")), offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, offset, err
	}
	req.Header.Set("User-Agent", "clip-tender/1.0 (+https://github.com/onnwee/clip-tender)")
	if cookieHeader != "" {
		req.Header.Set("Cookie", cookieHeader)
	}
	client := ci.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, offset, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, offset, fmt.Errorf("rechat status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var raw struct {
		Data []struct {
			Attributes struct {
				ID        string    `json:"id"`
				Timestamp time.Time `json:"timestamp"`
				Offset    float64   `json:"offset"`
				Message   struct {
					Body string `json:"body"`
					User struct {
						ID          string `json:"id"`
						UserLogin   string `json:"userLogin"`
						DisplayName string `json:"displayName"`
					} `json:"user"`
				} `json:"message"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, offset, fmt.Errorf("decode rechat page: %w", err)
	}
	out := make([]rechatMessage, 0, len(raw.Data))
	for _, d := range raw.Data {
		a := d.Attributes
		user := a.Message.User.DisplayName
		if user == "" {
			user = a.Message.User.UserLogin
		}
		out = append(out, rechatMessage{ID: a.ID, UserID: a.Message.User.ID, User: user, Text: a.Message.Body, Abs: a.Timestamp, Rel: a.Offset})
	}
	next := offset + rechatStep
	if len(out) > 0 {
		if last := out[len(out)-1]; last.Rel > 0 {
			next = int(last.Rel) + 1
		}
	}
	return out, next, nil
}

// buildTwitchCookieHeader reads a Netscape cookie file and returns a Cookie
// header with the cookies scoped to twitch.tv. No file means no header.
func buildTwitchCookieHeader(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	pairs := make([]string, 0, 16)
	for _, ln := range strings.Split(string(data), "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" || strings.HasPrefix(ln, "#") {
			continue
		}
		// domain, flag, path, secure, expiry, name, value
		cols := strings.Split(ln, "\t")
		if len(cols) < 7 {
			continue
		}
		domain, name, value := cols[0], cols[5], cols[6]
		if name == "" || !(domain == "twitch.tv" || strings.HasSuffix(domain, ".twitch.tv")) {
			continue
		}
		value = strings.NewReplacer(";", "", "\n", "", "\r", "").Replace(value)
		pairs = append(pairs, name+"="+value)
	}
	return strings.Join(pairs, "; ")
}

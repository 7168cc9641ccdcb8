// Package twitchapi contains a minimal Helix client used to look up VOD
// metadata (title, start time, authoritative duration) with an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the Helix API root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// ErrVideoNotFound is returned when Helix has no video for an id.
var ErrVideoNotFound = errors.New("twitch video not found")

// HelixClient provides the Helix calls the pipeline needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	// BaseURL overrides DefaultBaseURL (tests).
	BaseURL string
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultBaseURL
}

// Video is the subset of Helix video fields the service stores.
type Video struct {
	ID        string
	Title     string
	URL       string
	Duration  time.Duration
	CreatedAt time.Time
}

// GetVideo fetches one video by id. A 401 invalidates the cached app token
// and is retried once.
func (hc *HelixClient) GetVideo(ctx context.Context, id string) (Video, error) {
	if id == "" {
		return Video{}, fmt.Errorf("video id empty")
	}
	for attempt := 0; ; attempt++ {
		v, status, err := hc.getVideo(ctx, id)
		if status == http.StatusUnauthorized && attempt == 0 {
			hc.AppTokenSource.Invalidate()
			continue
		}
		return v, err
	}
}

func (hc *HelixClient) getVideo(ctx context.Context, id string) (Video, int, error) {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return Video{}, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+"/videos", nil)
	if err != nil {
		return Video{}, 0, err
	}
	q := req.URL.Query()
	q.Set("id", strings.TrimPrefix(id, "v"))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return Video{}, 0, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusNotFound {
		return Video{}, resp.StatusCode, ErrVideoNotFound
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Video{}, resp.StatusCode, fmt.Errorf("helix videos: %d %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var body struct {
		Data []struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			URL       string `json:"url"`
			Duration  string `json:"duration"`
			CreatedAt string `json:"created_at"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Video{}, resp.StatusCode, fmt.Errorf("decode helix videos: %w", err)
	}
	if len(body.Data) == 0 {
		return Video{}, resp.StatusCode, ErrVideoNotFound
	}
	d := body.Data[0]
	dur, err := ParseDuration(d.Duration)
	if err != nil {
		return Video{}, resp.StatusCode, err
	}
	v := Video{ID: d.ID, Title: d.Title, URL: d.URL, Duration: dur}
	if d.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, d.CreatedAt); err == nil {
			v.CreatedAt = t.UTC()
		}
	}
	return v, resp.StatusCode, nil
}

var helixDurationRE = regexp.MustCompile(`^(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?$`)

// ParseDuration converts Helix durations such as "1h2m3s" or "45s".
func ParseDuration(s string) (time.Duration, error) {
	m := helixDurationRE.FindStringSubmatch(s)
	if s == "" || m == nil {
		return 0, fmt.Errorf("invalid helix duration %q", s)
	}
	var total time.Duration
	for i, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, fmt.Errorf("invalid helix duration %q: %w", s, err)
		}
		total += time.Duration(n) * unit
	}
	return total, nil
}

// Package youtubeapi wraps Google OAuth2 client config and the YouTube Data API
// for the single purpose of publishing clips. Tokens are persisted via the
// provided TokenStore interface so they can be refreshed and reused by workers.
package youtubeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/clip-tender/config"
)

const provider = "youtube"

// refreshWindow is how close to expiry a stored token is replaced, so a long
// upload does not outlive its token.
const refreshWindow = 2 * time.Minute

// ErrNoToken means the OAuth flow has not been completed yet.
var ErrNoToken = errors.New("no youtube token stored")

type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error)
}

// UploadMeta describes a clip being published.
type UploadMeta struct {
	Title       string
	Description string
	Tags        []string
	// Privacy is private, unlisted or public; empty means private.
	Privacy       string
	ThumbnailPath string
}

type Service struct {
	db    TokenStore
	oauth *oauth2.Config

	// endpoint overrides the API root (tests).
	endpoint string
}

func New(cfg *config.Config, ts TokenStore) *Service {
	scopes := []string{"https://www.googleapis.com/auth/youtube.upload"}
	if cfg.YTScopes != "" {
		// allow comma or space separated
		if fields := strings.Fields(strings.ReplaceAll(cfg.YTScopes, ",", " ")); len(fields) > 0 {
			scopes = fields
		}
	}
	oauth := &oauth2.Config{
		ClientID:     cfg.YTClientID,
		ClientSecret: cfg.YTClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.YTRedirectURI,
		Scopes:       scopes,
	}
	return &Service{db: ts, oauth: oauth}
}

func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token and stores it.
func (s *Service) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("youtube oauth exchange: %w", err)
	}
	if err := s.store(ctx, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

func (s *Service) store(ctx context.Context, tok *oauth2.Token) error {
	rawBytes, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode youtube token: %w", err)
	}
	if err := s.db.UpsertOAuthToken(ctx, provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, string(rawBytes)); err != nil {
		return fmt.Errorf("store youtube token: %w", err)
	}
	return nil
}

// Authorized reports whether a token has been stored.
func (s *Service) Authorized(ctx context.Context) bool {
	access, _, _, _, err := s.db.GetOAuthToken(ctx, provider)
	return err == nil && access != ""
}

func (s *Service) refreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	access, refresh, expiry, raw, err := s.db.GetOAuthToken(ctx, provider)
	if err != nil {
		return nil, err
	}
	if access == "" {
		return nil, ErrNoToken
	}
	var tok oauth2.Token
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &tok)
	}
	tok.AccessToken = access
	if refresh != "" {
		tok.RefreshToken = refresh
	}
	tok.Expiry = expiry
	if time.Until(tok.Expiry) > refreshWindow {
		return &tok, nil
	}
	// oauth2 only refreshes inside its own short expiry delta, so mark the
	// token expired to refresh the whole window early.
	tok.Expiry = time.Now().Add(-time.Second)
	newTok, err := s.oauth.TokenSource(ctx, &tok).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh youtube token: %w", err)
	}
	if err := s.store(ctx, newTok); err != nil {
		return nil, err
	}
	return newTok, nil
}

// Client returns an authorized YouTube API client, refreshing the stored
// token when it is close to expiry.
func (s *Service) Client(ctx context.Context) (*yt.Service, error) {
	tok, err := s.refreshIfNeeded(ctx)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithHTTPClient(s.oauth.Client(ctx, tok))}
	if s.endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.endpoint))
	}
	return yt.NewService(ctx, opts...)
}

// Upload publishes the video at path and returns its watch URL.
func (s *Service) Upload(ctx context.Context, path string, meta UploadMeta) (string, error) {
	svc, err := s.Client(ctx)
	if err != nil {
		return "", err
	}
	return UploadVideo(ctx, svc, path, meta)
}

// UploadVideo uploads a video file at path using the provided YouTube service.
// A thumbnail failure is not fatal; the video is already public by then.
func UploadVideo(ctx context.Context, svc *yt.Service, path string, meta UploadMeta) (string, error) {
	if svc == nil {
		return "", fmt.Errorf("nil youtube service")
	}
	privacy := meta.Privacy
	if privacy == "" {
		privacy = "private"
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer f.Close()
	video := &yt.Video{
		Snippet: &yt.VideoSnippet{Title: meta.Title, Description: meta.Description, Tags: meta.Tags},
		Status:  &yt.VideoStatus{PrivacyStatus: privacy},
	}
	res, err := svc.Videos.Insert([]string{"snippet", "status"}, video).Media(f).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("youtube upload: %w", err)
	}
	if res.Id == "" {
		return "", fmt.Errorf("youtube upload: empty id")
	}
	if meta.ThumbnailPath != "" {
		if tf, err := os.Open(meta.ThumbnailPath); err == nil {
			_, _ = svc.Thumbnails.Set(res.Id).Media(tf).Context(ctx).Do()
			tf.Close()
		}
	}
	return "https://www.youtube.com/watch?v=" + res.Id, nil
}

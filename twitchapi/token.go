package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultTokenURL is the Twitch client-credentials endpoint.
const DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

// tokenRefreshSkew is how long before expiry a cached token is replaced.
const tokenRefreshSkew = time.Minute

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// App tokens can read Helix but cannot join chat.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	// TokenURL overrides DefaultTokenURL (tests).
	TokenURL string

	mu  sync.Mutex
	tok *oauth2.Token
}

// Get returns a cached token, fetching a new one when it is missing or
// within a minute of expiry.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.tok != nil && time.Until(ts.tok.Expiry) > tokenRefreshSkew {
		return ts.tok.AccessToken, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	endpoint := ts.TokenURL
	if endpoint == "" {
		endpoint = DefaultTokenURL
	}
	cc := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     endpoint,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("twitch token request: %w", err)
	}
	ts.tok = tok
	return tok.AccessToken, nil
}

// Invalidate drops the cached token so the next Get fetches a new one.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.tok = nil
	ts.mu.Unlock()
}

package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/onnwee/clip-tender/db"
)

const (
	oauthStatePrefix = "oauth_state:"
	oauthStateTTL    = 10 * time.Minute
)

// HandleYouTubeOAuthStart initiates the YouTube OAuth flow. The state is kept
// in kv so any replica can complete the callback.
func (h *Handlers) HandleYouTubeOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.youtube == nil {
		http.Error(w, "youtube oauth not configured", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	expiry := time.Now().Add(oauthStateTTL).UTC().Format(time.RFC3339)
	if err := h.repo.SetKV(r.Context(), oauthStatePrefix+st, expiry); err != nil {
		h.internalError(w, r, err)
		return
	}
	http.Redirect(w, r, h.youtube.AuthCodeURL(st), http.StatusFound)
}

// HandleYouTubeOAuthCallback validates the state, exchanges the code and
// stores the resulting token.
func (h *Handlers) HandleYouTubeOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.youtube == nil {
		http.Error(w, "youtube oauth not configured", http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	key := oauthStatePrefix + st
	val, _, err := h.repo.GetKV(r.Context(), key)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	// states are single use
	_ = h.repo.DeleteKV(r.Context(), key)
	exp, err := time.Parse(time.RFC3339, val)
	if err != nil || time.Now().After(exp) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	tok, err := h.youtube.Exchange(r.Context(), code)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "ok",
		"expiry":                tok.Expiry,
		"access_token_present":  tok.AccessToken != "",
		"refresh_token_present": tok.RefreshToken != "",
	})
}

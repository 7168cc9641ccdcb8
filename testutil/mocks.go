// Package testutil holds helpers shared by package tests: a Postgres setup
// gated on TEST_PG_DSN and a fake Twitch API server.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// MockTwitchServer serves canned Helix and token responses keyed by path.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	requests atomic.Int64
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.requests.Add(1)
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Requests returns how many requests the server has seen.
func (m *MockTwitchServer) Requests() int64 { return m.requests.Load() }

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockVideoResponse serves /helix/videos?id=... from videos keyed by id.
// Each video map carries Helix fields such as "title", "duration", "created_at".
func (m *MockTwitchServer) MockVideoResponse(videos map[string]map[string]string) {
	m.Handlers["/helix/videos"] = func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" || r.Header.Get("Client-Id") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		data := []map[string]string{}
		if v, ok := videos[r.URL.Query().Get("id")]; ok {
			row := map[string]string{"id": r.URL.Query().Get("id")}
			for k, val := range v {
				row[k] = val
			}
			data = append(data, row)
		}
		writeJSON(w, map[string]any{"data": data})
	}
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	}
}

// MockRechatResponse serves rechat replay pages; pages maps the requested
// offset (seconds, as sent in the query) to the messages in that window.
func (m *MockTwitchServer) MockRechatResponse(pages map[string][]map[string]any) {
	m.Handlers["/rechat-messages"] = func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]any{}
		for _, msg := range pages[r.URL.Query().Get("offset")] {
			data = append(data, map[string]any{"attributes": msg})
		}
		writeJSON(w, map[string]any{"data": data})
	}
}

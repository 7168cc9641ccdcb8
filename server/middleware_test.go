package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIPRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := newIPRateLimiter(ctx, 0.001, 2)
	if !limiter.Allow("1.1.1.1") || !limiter.Allow("1.1.1.1") {
		t.Fatal("burst should allow two requests")
	}
	if limiter.Allow("1.1.1.1") {
		t.Error("third request should be limited")
	}
	if !limiter.Allow("2.2.2.2") {
		t.Error("other clients have their own bucket")
	}
}

func TestIPRateLimiterDisabled(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), 0, 0)
	if limiter != nil {
		t.Fatal("zero rate should disable limiting")
	}
	for i := 0; i < 100; i++ {
		if !limiter.Allow("1.1.1.1") {
			t.Fatal("nil limiter must allow everything")
		}
	}
}

func TestIPRateLimiterCleanup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := newIPRateLimiter(ctx, 1, 1)
	limiter.Allow("stale")
	limiter.Allow("fresh")
	limiter.entries["stale"].lastSeen = time.Now().Add(-time.Hour)

	limiter.mu.Lock()
	limiter.cleanup(time.Now())
	limiter.mu.Unlock()

	if _, ok := limiter.entries["stale"]; ok {
		t.Error("stale entry not removed")
	}
	if _, ok := limiter.entries["fresh"]; !ok {
		t.Error("fresh entry removed")
	}
}

func TestRemoteIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{name: "remote addr", remoteAddr: "10.0.0.1:5555", want: "10.0.0.1"},
		{name: "forwarded", remoteAddr: "10.0.0.1:5555", xff: "203.0.113.7, 10.0.0.2", want: "203.0.113.7"},
		{name: "forwarded blank first entry", remoteAddr: "10.0.0.1:5555", xff: " , 198.51.100.2", want: "198.51.100.2"},
		{name: "no port", remoteAddr: "10.0.0.9", want: "10.0.0.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := remoteIP(r); got != tt.want {
				t.Errorf("remoteIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimitAppliesToJobSubmission(t *testing.T) {
	mux := newTestMux(t, Deps{Repo: seededRepo(), Jobs: newTestOrchestrator(), RateLimitRPS: 0.001, RateLimitBurst: 1})

	if rec := do(t, mux, http.MethodPost, "/vods/v1/analyze", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("first submission = %d", rec.Code)
	}
	rec := do(t, mux, http.MethodPost, "/vods/v2/analyze", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second submission = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	// reads are not limited
	for i := 0; i < 5; i++ {
		if rec := do(t, mux, http.MethodGet, "/vods/v1", ""); rec.Code != http.StatusOK {
			t.Fatalf("read %d = %d", i, rec.Code)
		}
	}
}

func TestCORS(t *testing.T) {
	mux := newTestMux(t, Deps{Repo: seededRepo(), Jobs: newTestOrchestrator(), CORSOrigins: []string{"https://app.example"}})

	req := httptest.NewRequest(http.MethodGet, "/vods/v1", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/vods/v1/analyze", nil)
	req.Header.Set("Origin", "https://app.example")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight = %d, want 204", rec.Code)
	}

	req = httptest.NewRequest(http.MethodOptions, "/vods/v1/analyze", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("disallowed preflight = %d, want 403", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin must not be echoed")
	}
}

func TestCORSPolicy(t *testing.T) {
	if p := newCORSPolicy(nil); p != nil {
		t.Error("no origins should disable CORS")
	}
	p := newCORSPolicy([]string{"*"})
	if !p.isAllowed("http://localhost:3000") {
		t.Error("wildcard should allow any http origin")
	}
	if p.isAllowed("file://local") {
		t.Error("non-http origins are never allowed")
	}
}

package vod

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/onnwee/clip-tender/testutil"
)

func rechatMsg(id, user, body string, offset float64) map[string]any {
	return map[string]any{
		"id":     id,
		"offset": offset,
		"message": map[string]any{
			"body": body,
			"user": map[string]any{"id": "id-" + user, "displayName": user},
		},
	}
}

func TestChatImporterStoresPages(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockRechatResponse(map[string][]map[string]any{
		"0":  {rechatMsg("a", "alice", "hi", 5), rechatMsg("b", "bob", "pog", 20)},
		"30": {rechatMsg("b", "bob", "pog", 20), rechatMsg("c", "carol", "lol", 45)},
	})
	repo := newFakeRepo()
	ci := &ChatImporter{Sink: repo, BaseURL: m.URL + "/rechat-messages"}
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	n, err := ci.Import(context.Background(), "v1", 90, start)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 3 {
		t.Fatalf("stored = %d, want 3 (duplicate across pages skipped)", n)
	}
	msgs := repo.chat["v1"]
	if msgs[0].UserID != "id-alice" || msgs[0].Username != "alice" || msgs[0].RelSeconds != 5 {
		t.Errorf("first message = %+v", msgs[0])
	}
	if !msgs[0].Abs.Equal(start.Add(5 * time.Second)) {
		t.Errorf("abs = %v, want derived from vod start", msgs[0].Abs)
	}
	// offsets 0, 30, 60 and 90 are requested once each
	if m.Requests() != 4 {
		t.Errorf("requests = %d, want 4", m.Requests())
	}
}

func TestChatImporterStopsAfterEmptyPages(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockRechatResponse(map[string][]map[string]any{"0": {rechatMsg("a", "alice", "hi", 1)}})
	repo := newFakeRepo()
	ci := &ChatImporter{Sink: repo, BaseURL: m.URL + "/rechat-messages"}

	if _, err := ci.Import(context.Background(), "v1", 0, time.Time{}); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if got := m.Requests(); got != 1+maxEmptyPages {
		t.Errorf("requests = %d, want %d", got, 1+maxEmptyPages)
	}
}

func TestChatImporterFailsWhenNothingFetched(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.Handlers["/rechat-messages"] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusServiceUnavailable)
	}
	ci := &ChatImporter{Sink: newFakeRepo(), BaseURL: m.URL + "/rechat-messages"}
	if _, err := ci.Import(context.Background(), "v1", 600, time.Time{}); err == nil {
		t.Fatal("expected error when every page fails")
	}
	if m.Requests() != maxFailedPages {
		t.Errorf("requests = %d, want %d", m.Requests(), maxFailedPages)
	}
}

func TestBuildTwitchCookieHeader(t *testing.T) {
	if got := buildTwitchCookieHeader(""); got != "" {
		t.Errorf("empty path = %q", got)
	}
	path := filepath.Join(t.TempDir(), "cookies.txt")
	jar := "# Netscape HTTP Cookie File\n" +
		".twitch.tv\tTRUE\t/\tTRUE\t0\tauth-token\tabc;def\n" +
		"www.twitch.tv\tFALSE\t/\tFALSE\t0\tunique_id\tu1\n" +
		".example.com\tTRUE\t/\tFALSE\t0\tother\tx\n" +
		"short\tline\n"
	if err := os.WriteFile(path, []byte(jar), 0o600); err != nil {
		t.Fatal(err)
	}
	want := "auth-token=abcdef; unique_id=u1"
	if got := buildTwitchCookieHeader(path); got != want {
		t.Errorf("header = %q, want %q", got, want)
	}
}

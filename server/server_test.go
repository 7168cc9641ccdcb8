package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/jobs"
)

type fakeRepo struct {
	mu         sync.Mutex
	pingErr    error
	vods       map[string]db.VOD
	highlights map[string][]db.Highlight
	clips      map[string]db.Clip
	kv         map[string]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		vods:       map[string]db.VOD{},
		highlights: map[string][]db.Highlight{},
		clips:      map[string]db.Clip{},
		kv:         map[string]string{},
	}
}

func (f *fakeRepo) Ping(context.Context) error { return f.pingErr }

func (f *fakeRepo) UpsertVOD(_ context.Context, v db.VOD) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.vods[v.ID]; ok && v.Title == "" {
		v.Title = cur.Title
	}
	f.vods[v.ID] = v
	return nil
}

func (f *fakeRepo) ListVODs(_ context.Context, limit, offset int) ([]db.VOD, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []db.VOD{}
	for _, v := range f.vods {
		out = append(out, v)
	}
	if offset >= len(out) {
		return []db.VOD{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) GetVOD(_ context.Context, id string) (db.VOD, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vods[id]
	if !ok {
		return db.VOD{}, db.ErrNotFound
	}
	return v, nil
}

func (f *fakeRepo) ListHighlights(_ context.Context, vodID string) ([]db.Highlight, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]db.Highlight{}, f.highlights[vodID]...), nil
}

func (f *fakeRepo) GetHighlight(_ context.Context, vodID string, idx int) (db.Highlight, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.highlights[vodID] {
		if h.Index == idx {
			return h, nil
		}
	}
	return db.Highlight{}, db.ErrNotFound
}

func (f *fakeRepo) ListClips(_ context.Context, vodID string) ([]db.Clip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []db.Clip{}
	for _, c := range f.clips {
		if c.VODID == vodID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetClip(_ context.Context, id string) (db.Clip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clips[id]
	if !ok {
		return db.Clip{}, db.ErrNotFound
	}
	return c, nil
}

func (f *fakeRepo) SetKV(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[key] = value
	return nil
}

func (f *fakeRepo) GetKV(_ context.Context, key string) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.kv[key]
	if !ok {
		return "", time.Time{}, db.ErrNotFound
	}
	return v, time.Now(), nil
}

func (f *fakeRepo) DeleteKV(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.kv, key)
	return nil
}

// newTestOrchestrator registers no-op handlers but never starts workers, so
// enqueued jobs stay PENDING until a test moves them.
func newTestOrchestrator() *jobs.Orchestrator {
	o := jobs.New(jobs.NewMemoryStore(), nil, jobs.Options{Workers: 1})
	noop := func(context.Context, jobs.Job, func(int)) error { return nil }
	for _, k := range []jobs.Kind{jobs.KindAnalyzeVOD, jobs.KindExtractClip, jobs.KindUploadClip} {
		o.Register(k, noop)
	}
	return o
}

func seededRepo() *fakeRepo {
	repo := newFakeRepo()
	repo.vods["v1"] = db.VOD{ID: "v1", Title: "Finals", SourceURL: "/data/v1.mp4", DurationSeconds: 600}
	repo.vods["v2"] = db.VOD{ID: "v2", Title: "Qualifiers", SourceURL: "/data/v2.mp4", DurationSeconds: 300}
	repo.highlights["v1"] = []db.Highlight{{VODID: "v1", Index: 0}, {VODID: "v1", Index: 1}}
	repo.clips["c1"] = db.Clip{ID: "c1", VODID: "v1", HighlightIndex: 0, Path: "/clips/c1.mp4"}
	return repo
}

func newTestMux(t *testing.T, d Deps) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMux(ctx, d)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	repo := newFakeRepo()
	mux := newTestMux(t, Deps{Repo: repo, Jobs: newTestOrchestrator()})

	rec := do(t, mux, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}

	repo.pingErr = errors.New("connection refused")
	if rec := do(t, mux, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz with db down = %d, want 503", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		ffmpeg     bool
		wantStatus int
		wantCheck  string
	}{
		{name: "ready", ffmpeg: true, wantStatus: http.StatusOK},
		{name: "database down", pingErr: errors.New("no route"), ffmpeg: true, wantStatus: http.StatusServiceUnavailable, wantCheck: "database"},
		{name: "ffmpeg missing", ffmpeg: false, wantStatus: http.StatusServiceUnavailable, wantCheck: "ffmpeg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			repo.pingErr = tt.pingErr
			ffmpeg := tt.ffmpeg
			mux := newTestMux(t, Deps{Repo: repo, Jobs: newTestOrchestrator(), FFmpegReady: func(context.Context) bool { return ffmpeg }})

			rec := do(t, mux, http.MethodGet, "/readyz", "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			body := decode[map[string]string](t, rec)
			if body["failed_check"] != tt.wantCheck {
				t.Errorf("failed_check = %q, want %q", body["failed_check"], tt.wantCheck)
			}
		})
	}
}

func TestVodReads(t *testing.T) {
	mux := newTestMux(t, Deps{Repo: seededRepo(), Jobs: newTestOrchestrator()})

	rec := do(t, mux, http.MethodGet, "/vods?limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	if vods := decode[[]db.VOD](t, rec); len(vods) != 1 {
		t.Errorf("limit=1 returned %d vods", len(vods))
	}

	if rec := do(t, mux, http.MethodGet, "/vods/v1", ""); rec.Code != http.StatusOK {
		t.Errorf("get v1 = %d", rec.Code)
	}
	if rec := do(t, mux, http.MethodGet, "/vods/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get missing = %d, want 404", rec.Code)
	}

	rec = do(t, mux, http.MethodGet, "/vods/v1/highlights", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("highlights = %d", rec.Code)
	}
	var hl struct {
		VODID      string         `json:"vod_id"`
		Highlights []db.Highlight `json:"highlights"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &hl); err != nil {
		t.Fatal(err)
	}
	if hl.VODID != "v1" || len(hl.Highlights) != 2 {
		t.Errorf("highlights = %+v", hl)
	}

	if clips := decode[[]db.Clip](t, do(t, mux, http.MethodGet, "/vods/v1/clips", "")); len(clips) != 1 {
		t.Errorf("clips = %d, want 1", len(clips))
	}
	if rec := do(t, mux, http.MethodGet, "/clips/c1", ""); rec.Code != http.StatusOK {
		t.Errorf("get clip = %d", rec.Code)
	}
	if rec := do(t, mux, http.MethodGet, "/clips/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get missing clip = %d, want 404", rec.Code)
	}
}

func TestVodRegister(t *testing.T) {
	repo := seededRepo()
	mux := newTestMux(t, Deps{Repo: repo, Jobs: newTestOrchestrator()})

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "missing source", body: `{"id":"v9"}`, want: http.StatusBadRequest},
		{name: "blank id", body: `{"id":"  ","source_url":"/data/x.mp4"}`, want: http.StatusBadRequest},
		{name: "negative duration", body: `{"id":"v9","source_url":"/data/x.mp4","duration_seconds":-5}`, want: http.StatusBadRequest},
		{name: "created", body: `{"id":"v9","title":"Grand Final","source_url":"/data/v9.mp4","duration_seconds":120}`, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, mux, http.MethodPost, "/vods", tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
	if v, ok := repo.vods["v9"]; !ok || v.Title != "Grand Final" || v.DurationSeconds != 120 {
		t.Errorf("stored vod = %+v", v)
	}
	if rec := do(t, mux, http.MethodPost, "/vods/v9/analyze", ""); rec.Code != http.StatusAccepted {
		t.Errorf("analyze registered vod = %d", rec.Code)
	}
}

func TestAnalyzeEnqueueRejectsDuplicate(t *testing.T) {
	orch := newTestOrchestrator()
	mux := newTestMux(t, Deps{Repo: seededRepo(), Jobs: orch})

	rec := do(t, mux, http.MethodPost, "/vods/v1/analyze", `{"import_chat":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("analyze = %d %s", rec.Code, rec.Body.String())
	}
	accepted := decode[map[string]string](t, rec)
	if accepted["status"] != string(jobs.StatusPending) || accepted["job_id"] == "" {
		t.Fatalf("accepted body = %v", accepted)
	}

	if rec := do(t, mux, http.MethodPost, "/vods/v1/analyze", ""); rec.Code != http.StatusConflict {
		t.Errorf("second analyze = %d, want 409", rec.Code)
	}
	// other resources are independent
	if rec := do(t, mux, http.MethodPost, "/vods/v2/analyze", ""); rec.Code != http.StatusAccepted {
		t.Errorf("analyze v2 = %d, want 202", rec.Code)
	}

	rec = do(t, mux, http.MethodGet, "/jobs/"+accepted["job_id"], "")
	if rec.Code != http.StatusOK {
		t.Fatalf("job get = %d", rec.Code)
	}
	snap := decode[jobs.Snapshot](t, rec)
	if snap.Kind != jobs.KindAnalyzeVOD || snap.Status != jobs.StatusPending || snap.Progress != 0 {
		t.Errorf("snapshot = %+v", snap)
	}

	// once the first job is terminal the vod can be analyzed again
	if err := orch.Complete(context.Background(), accepted["job_id"]); err != nil {
		t.Fatal(err)
	}
	if rec := do(t, mux, http.MethodPost, "/vods/v1/analyze", ""); rec.Code != http.StatusAccepted {
		t.Errorf("analyze after completion = %d, want 202", rec.Code)
	}
}

func TestAnalyzeRequestValidation(t *testing.T) {
	mux := newTestMux(t, Deps{Repo: seededRepo(), Jobs: newTestOrchestrator()})

	if rec := do(t, mux, http.MethodPost, "/vods/nope/analyze", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing vod = %d, want 404", rec.Code)
	}
	if rec := do(t, mux, http.MethodPost, "/vods/v1/analyze", `{"bogus":1}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field = %d, want 400", rec.Code)
	}
	if rec := do(t, mux, http.MethodGet, "/vods/v1/analyze", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET analyze = %d, want 405", rec.Code)
	}
}

func TestExtractEnqueue(t *testing.T) {
	mux := newTestMux(t, Deps{Repo: seededRepo(), Jobs: newTestOrchestrator()})

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "bad index", path: "/vods/v1/highlights/x/extract", want: http.StatusBadRequest},
		{name: "negative index", path: "/vods/v1/highlights/-1/extract", want: http.StatusBadRequest},
		{name: "missing highlight", path: "/vods/v1/highlights/7/extract", want: http.StatusNotFound},
		{name: "missing vod", path: "/vods/nope/highlights/0/extract", want: http.StatusNotFound},
		{name: "accepted", path: "/vods/v1/highlights/0/extract", body: `{"format":"webm","resolution":"720p"}`, want: http.StatusAccepted},
		{name: "busy", path: "/vods/v1/highlights/0/extract", want: http.StatusConflict},
		{name: "other highlight", path: "/vods/v1/highlights/1/extract", want: http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, mux, http.MethodPost, tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestUploadEnqueue(t *testing.T) {
	t.Run("youtube not configured", func(t *testing.T) {
		mux := newTestMux(t, Deps{Repo: seededRepo(), Jobs: newTestOrchestrator()})
		if rec := do(t, mux, http.MethodPost, "/clips/c1/upload", ""); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})

	mux := newTestMux(t, Deps{Repo: seededRepo(), Jobs: newTestOrchestrator(), YouTube: &fakeOAuth{}})
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "missing clip", path: "/clips/nope/upload", want: http.StatusNotFound},
		{name: "bad privacy", path: "/clips/c1/upload", body: `{"privacy":"friends"}`, want: http.StatusBadRequest},
		{name: "accepted", path: "/clips/c1/upload", body: `{"title":"Clutch","privacy":"unlisted"}`, want: http.StatusAccepted},
		{name: "busy", path: "/clips/c1/upload", want: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, mux, http.MethodPost, tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestJobGetNotFound(t *testing.T) {
	mux := newTestMux(t, Deps{Repo: seededRepo(), Jobs: newTestOrchestrator()})
	for _, path := range []string{"/jobs/nope", "/jobs/nope/events", "/jobs/nope/ws"} {
		if rec := do(t, mux, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("%s = %d, want 404", path, rec.Code)
		}
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	mux := newTestMux(t, Deps{Repo: seededRepo(), Jobs: newTestOrchestrator()})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("correlation id = %q, want corr-123", got)
	}

	rec = do(t, mux, http.MethodGet, "/healthz", "")
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected a generated correlation id")
	}
}

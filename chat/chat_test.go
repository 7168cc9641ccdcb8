package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/clip-tender/config"
	"github.com/onnwee/clip-tender/db"
)

type fakeSink struct {
	mu      sync.Mutex
	fail    error
	vods    []db.VOD
	stored  []db.ChatMessage
	batches int
}

func (f *fakeSink) UpsertVOD(_ context.Context, v db.VOD) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vods = append(f.vods, v)
	return nil
}

func (f *fakeSink) InsertChatMessages(_ context.Context, msgs []db.ChatMessage) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	if f.fail != nil {
		return 0, f.fail
	}
	f.stored = append(f.stored, msgs...)
	return len(msgs), nil
}

func TestToChatMessage(t *testing.T) {
	start := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	msg := twitch.PrivateMessage{
		User:    twitch.User{ID: "42", Name: "viewer", DisplayName: "Viewer"},
		Message: "PogChamp",
		ID:      "m-1",
		Time:    start.Add(90 * time.Second),
	}

	got := toChatMessage(msg, "v1", start, time.Now())
	if got.VODID != "v1" || got.MessageID != "m-1" || got.UserID != "42" || got.Username != "viewer" || got.Text != "PogChamp" {
		t.Errorf("unexpected message: %+v", got)
	}
	if got.RelSeconds != 90 {
		t.Errorf("RelSeconds = %v, want 90", got.RelSeconds)
	}

	// missing server time falls back to now
	msg.Time = time.Time{}
	now := start.Add(10 * time.Second)
	if got := toChatMessage(msg, "v1", start, now); got.RelSeconds != 10 || !got.Abs.Equal(now) {
		t.Errorf("fallback time: %+v", got)
	}

	// lines before the start are pinned to zero
	msg.Time = start.Add(-time.Minute)
	if got := toChatMessage(msg, "v1", start, now); got.RelSeconds != 0 {
		t.Errorf("RelSeconds before start = %v, want 0", got.RelSeconds)
	}

	msg.User.Name = ""
	if got := toChatMessage(msg, "v1", start, now); got.Username != "viewer" {
		t.Errorf("Username from display name = %q", got.Username)
	}
}

func TestFlushStoresBatch(t *testing.T) {
	sink := &fakeSink{}
	r := &Recorder{VODID: "v1", Sink: sink, BatchSize: 3}
	r.init()

	for i := 0; i < 3; i++ {
		r.add(db.ChatMessage{VODID: "v1", Text: "hi"})
	}
	// a full batch signals the flush loop
	select {
	case <-r.full:
	default:
		t.Fatal("expected full signal after BatchSize messages")
	}

	r.flush(context.Background())
	if len(sink.stored) != 3 || r.Pending() != 0 {
		t.Fatalf("stored %d, pending %d", len(sink.stored), r.Pending())
	}

	// nothing buffered means no write
	r.flush(context.Background())
	if sink.batches != 1 {
		t.Errorf("batches = %d, want 1", sink.batches)
	}
}

func TestFlushKeepsLinesOnFailure(t *testing.T) {
	sink := &fakeSink{fail: errors.New("db down")}
	r := &Recorder{VODID: "v1", Sink: sink, BatchSize: 2}
	r.init()

	r.add(db.ChatMessage{Text: "first"})
	r.flush(context.Background())
	if r.Pending() != 1 {
		t.Fatalf("pending after failure = %d, want 1", r.Pending())
	}

	// the buffer is capped at maxPendingBatches batches
	for i := 0; i < 3*maxPendingBatches; i++ {
		r.add(db.ChatMessage{Text: "more"})
	}
	r.flush(context.Background())
	if got, limit := r.Pending(), maxPendingBatches*r.BatchSize; got != limit {
		t.Fatalf("pending = %d, want cap %d", got, limit)
	}

	sink.mu.Lock()
	sink.fail = nil
	sink.mu.Unlock()
	r.flush(context.Background())
	if r.Pending() != 0 || len(sink.stored) != maxPendingBatches*r.BatchSize {
		t.Errorf("after recovery: pending %d, stored %d", r.Pending(), len(sink.stored))
	}
	// the oldest lines are the ones dropped
	if sink.stored[0].Text != "more" {
		t.Errorf("oldest kept line = %q, want a newer one", sink.stored[0].Text)
	}
}

func TestRunRequiresSettings(t *testing.T) {
	r := NewRecorder(&config.Config{TwitchChannel: "chan", TwitchBotUsername: "bot"}, &fakeSink{})
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected error without oauth token and vod id")
	}
}

package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/clip-tender/config"
	"github.com/onnwee/clip-tender/db"
)

const (
	defaultFlushInterval = 2 * time.Second
	defaultBatchSize     = 200
	// pending lines kept across failed flushes, in batches
	maxPendingBatches = 10
)

// Sink persists recorded chat. *db.Repo implements it.
type Sink interface {
	UpsertVOD(ctx context.Context, v db.VOD) error
	InsertChatMessages(ctx context.Context, msgs []db.ChatMessage) (int, error)
}

// Recorder joins a channel over Twitch IRC and stores every message under
// VODID with its offset from Start. Writes are batched.
type Recorder struct {
	Channel    string
	Username   string
	OAuthToken string
	VODID      string
	// Start is the VOD start; zero means the moment Run is called.
	Start time.Time
	Sink  Sink

	FlushInterval time.Duration
	BatchSize     int

	mu      sync.Mutex
	pending []db.ChatMessage
	full    chan struct{}
	logger  *slog.Logger
}

// NewRecorder builds a recorder from the TWITCH_* settings.
func NewRecorder(cfg *config.Config, sink Sink) *Recorder {
	return &Recorder{
		Channel:    cfg.TwitchChannel,
		Username:   cfg.TwitchBotUsername,
		OAuthToken: cfg.TwitchOAuthToken,
		VODID:      cfg.TwitchVODID,
		Start:      cfg.TwitchVODStart,
		Sink:       sink,
	}
}

func (r *Recorder) init() {
	if r.FlushInterval <= 0 {
		r.FlushInterval = defaultFlushInterval
	}
	if r.BatchSize <= 0 {
		r.BatchSize = defaultBatchSize
	}
	if r.full == nil {
		r.full = make(chan struct{}, 1)
	}
	if r.logger == nil {
		r.logger = slog.Default().With(slog.String("component", "chat_recorder"), slog.String("vod_id", r.VODID))
	}
}

// Run records until ctx is done. Buffered lines are flushed before it returns.
func (r *Recorder) Run(ctx context.Context) error {
	if r.Channel == "" || r.Username == "" || r.OAuthToken == "" || r.VODID == "" {
		return errors.New("chat recorder: channel, username, oauth token and vod id are required")
	}
	r.init()
	start := r.Start
	if start.IsZero() {
		start = time.Now().UTC()
	}
	if err := r.Sink.UpsertVOD(ctx, db.VOD{ID: r.VODID, Date: start}); err != nil {
		return err
	}

	client := twitch.NewClient(r.Username, r.OAuthToken)
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		r.add(toChatMessage(msg, r.VODID, start, time.Now().UTC()))
	})
	client.OnConnect(func() {
		r.logger.Info("connected to twitch chat", slog.String("channel", r.Channel))
	})
	client.Join(r.Channel)

	loopCtx, stop := context.WithCancel(ctx)
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		r.flushLoop(loopCtx)
	}()
	go func() {
		<-loopCtx.Done()
		_ = client.Disconnect()
	}()

	err := client.Connect()
	stop()
	<-flushDone
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	r.flush(fctx)

	if errors.Is(err, twitch.ErrClientDisconnected) || ctx.Err() != nil {
		return nil
	}
	return err
}

// toChatMessage converts an IRC message; lines before start get offset 0.
func toChatMessage(msg twitch.PrivateMessage, vodID string, start, now time.Time) db.ChatMessage {
	abs := msg.Time
	if abs.IsZero() {
		abs = now
	}
	rel := abs.Sub(start).Seconds()
	if rel < 0 {
		rel = 0
	}
	name := msg.User.Name
	if name == "" {
		name = strings.ToLower(msg.User.DisplayName)
	}
	return db.ChatMessage{
		VODID:      vodID,
		MessageID:  msg.ID,
		UserID:     msg.User.ID,
		Username:   name,
		Text:       msg.Message,
		Abs:        abs.UTC(),
		RelSeconds: rel,
	}
}

func (r *Recorder) add(m db.ChatMessage) {
	r.mu.Lock()
	r.pending = append(r.pending, m)
	n := len(r.pending)
	r.mu.Unlock()
	if n >= r.BatchSize {
		select {
		case r.full <- struct{}{}:
		default:
		}
	}
}

func (r *Recorder) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(r.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.full:
		}
		r.flush(ctx)
	}
}

// flush writes the buffered lines. On failure they are kept for the next
// attempt, up to maxPendingBatches batches; the oldest are dropped beyond that.
func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	n, err := r.Sink.InsertChatMessages(ctx, batch)
	if err == nil {
		r.logger.Debug("chat batch stored", slog.Int("inserted", n), slog.Int("batch", len(batch)))
		return
	}
	r.logger.Warn("chat batch insert failed", slog.Int("batch", len(batch)), slog.Any("err", err))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(batch, r.pending...)
	if limit := maxPendingBatches * r.BatchSize; len(r.pending) > limit {
		dropped := len(r.pending) - limit
		r.pending = r.pending[dropped:]
		r.logger.Warn("dropping unsaved chat lines", slog.Int("dropped", dropped))
	}
}

// Pending returns the number of buffered lines.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

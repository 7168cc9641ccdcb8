package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/onnwee/clip-tender/jobs"
	"github.com/onnwee/clip-tender/telemetry"
)

// HandleJobGet returns {id, kind, status, progress, error}.
func (h *Handlers) HandleJobGet(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleJobEvents streams a job's progress as Server-Sent Events until it
// reaches a terminal state or the client goes away. The first event is
// always the current state.
func (h *Handlers) HandleJobEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.loadJob(w, r); !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(ev jobs.Event) error {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", b); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	ping := func(context.Context) error {
		if _, err := w.Write([]byte(": ping\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := h.followJob(r.Context(), r.PathValue("id"), send, ping); err != nil && !errors.Is(err, context.Canceled) {
		telemetry.LoggerWithCorr(r.Context()).Debug("sse stream ended", slog.Any("err", err), slog.String("component", "http"))
	}
}

// HandleJobWS streams the same events as HandleJobEvents over a WebSocket.
func (h *Handlers) HandleJobWS(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.loadJob(w, r); !ok {
		return
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()
	ctx := c.CloseRead(r.Context())

	send := func(ev jobs.Event) error {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return wsjson.Write(wctx, c, ev)
	}
	ping := func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return c.Ping(pctx)
	}
	if err := h.followJob(ctx, r.PathValue("id"), send, ping); err != nil {
		c.Close(websocket.StatusGoingAway, "stream ended")
		return
	}
	c.Close(websocket.StatusNormalClosure, "job finished")
}

// followJob sends the current state of job id and then every event until a
// terminal one. A subscription dropped for falling behind is replaced and
// the state resynced from the store, so a slow client still sees the end.
// Disconnecting never affects the job.
func (h *Handlers) followJob(ctx context.Context, id string, send func(jobs.Event) error, ping func(context.Context) error) error {
	for {
		// subscribe before reading state so no transition is missed in between
		sub := h.jobs.Subscribe(id)
		snap, err := h.jobs.Get(ctx, id)
		if err != nil {
			sub.Close()
			return err
		}
		if err := send(snapshotEvent(snap)); err != nil {
			sub.Close()
			return err
		}
		if snap.Status.Terminal() {
			sub.Close()
			return nil
		}
		done, err := h.drain(ctx, sub, send, ping)
		sub.Close()
		if err != nil || done {
			return err
		}
	}
}

// drain forwards events until a terminal one (done) or until the hub closes
// the subscription (not done).
func (h *Handlers) drain(ctx context.Context, sub *jobs.Subscription, send func(jobs.Event) error, ping func(context.Context) error) (bool, error) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-ticker.C:
			if err := ping(ctx); err != nil {
				return true, err
			}
		case ev, ok := <-sub.C:
			if !ok {
				return false, nil
			}
			if err := send(ev); err != nil {
				return true, err
			}
			if ev.Status.Terminal() {
				return true, nil
			}
		}
	}
}

func snapshotEvent(s jobs.Snapshot) jobs.Event {
	return jobs.Event{JobID: s.ID, Kind: s.Kind, Status: s.Status, Progress: s.Progress, Error: s.Error, At: time.Now().UTC()}
}

func (h *Handlers) loadJob(w http.ResponseWriter, r *http.Request) (jobs.Snapshot, bool) {
	snap, err := h.jobs.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return jobs.Snapshot{}, false
	}
	if err != nil {
		h.internalError(w, r, err)
		return jobs.Snapshot{}, false
	}
	return snap, true
}

package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/jobs"
	"github.com/onnwee/clip-tender/telemetry"
	"github.com/onnwee/clip-tender/vod"
)

// HandleVodsList returns VODs newest first. Params: limit (default 50, max 200), offset.
func (h *Handlers) HandleVodsList(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	vods, err := h.repo.ListVODs(r.Context(), limit, offset)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vods)
}

// HandleVodRegister creates or refreshes a VOD so it can be analyzed.
// Body: {"id", "title", "source_url", "duration_seconds", "date"}; id and source_url are required.
func (h *Handlers) HandleVodRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID              string    `json:"id"`
		Title           string    `json:"title"`
		SourceURL       string    `json:"source_url"`
		DurationSeconds int       `json:"duration_seconds"`
		Date            time.Time `json:"date"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	body.ID = strings.TrimSpace(body.ID)
	body.SourceURL = strings.TrimSpace(body.SourceURL)
	if body.ID == "" || body.SourceURL == "" {
		writeError(w, http.StatusBadRequest, "id and source_url are required")
		return
	}
	if body.DurationSeconds < 0 {
		writeError(w, http.StatusBadRequest, "duration_seconds must not be negative")
		return
	}
	if err := h.repo.UpsertVOD(r.Context(), db.VOD{
		ID:              body.ID,
		Title:           body.Title,
		SourceURL:       body.SourceURL,
		DurationSeconds: body.DurationSeconds,
		Date:            body.Date,
	}); err != nil {
		h.internalError(w, r, err)
		return
	}
	v, err := h.repo.GetVOD(r.Context(), body.ID)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handlers) HandleVodGet(w http.ResponseWriter, r *http.Request) {
	v, ok := h.loadVOD(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// HandleHighlights lists the stored highlights of a VOD in time order.
func (h *Handlers) HandleHighlights(w http.ResponseWriter, r *http.Request) {
	v, ok := h.loadVOD(w, r)
	if !ok {
		return
	}
	hs, err := h.repo.ListHighlights(r.Context(), v.ID)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vod_id": v.ID, "analyzed_at": v.AnalyzedAt, "highlights": hs})
}

func (h *Handlers) HandleClips(w http.ResponseWriter, r *http.Request) {
	v, ok := h.loadVOD(w, r)
	if !ok {
		return
	}
	clips, err := h.repo.ListClips(r.Context(), v.ID)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clips)
}

func (h *Handlers) HandleClipGet(w http.ResponseWriter, r *http.Request) {
	c, err := h.repo.GetClip(r.Context(), r.PathValue("id"))
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "clip not found")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleAnalyze enqueues an analyze_vod job. Body (optional): {"import_chat": bool}.
func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	v, ok := h.loadVOD(w, r)
	if !ok {
		return
	}
	var body struct {
		ImportChat bool `json:"import_chat"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	h.enqueue(w, r, jobs.KindAnalyzeVOD, vod.AnalyzeKey(v.ID), vod.AnalyzePayload{VODID: v.ID, ImportChat: body.ImportChat})
}

// HandleExtract enqueues an extract_clip job for one highlight.
// Body (optional): {"format": "...", "resolution": "..."}.
func (h *Handlers) HandleExtract(w http.ResponseWriter, r *http.Request) {
	v, ok := h.loadVOD(w, r)
	if !ok {
		return
	}
	idx, err := strconv.Atoi(r.PathValue("idx"))
	if err != nil || idx < 0 {
		writeError(w, http.StatusBadRequest, "invalid highlight index")
		return
	}
	if _, err := h.repo.GetHighlight(r.Context(), v.ID, idx); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "highlight not found")
			return
		}
		h.internalError(w, r, err)
		return
	}
	var body struct {
		Format     string `json:"format"`
		Resolution string `json:"resolution"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	h.enqueue(w, r, jobs.KindExtractClip, vod.ExtractKey(v.ID, idx), vod.ExtractPayload{
		VODID:          v.ID,
		HighlightIndex: idx,
		Format:         body.Format,
		Resolution:     body.Resolution,
	})
}

var privacyStatuses = map[string]bool{"": true, "private": true, "unlisted": true, "public": true}

// HandleUpload enqueues an upload_clip job. Body (optional): {"title": "...", "privacy": "private|unlisted|public"}.
func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if h.youtube == nil {
		writeError(w, http.StatusServiceUnavailable, "youtube upload not configured")
		return
	}
	c, err := h.repo.GetClip(r.Context(), r.PathValue("id"))
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "clip not found")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	var body struct {
		Title   string `json:"title"`
		Privacy string `json:"privacy"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if !privacyStatuses[body.Privacy] {
		writeError(w, http.StatusBadRequest, "privacy must be private, unlisted or public")
		return
	}
	h.enqueue(w, r, jobs.KindUploadClip, vod.UploadKey(c.ID), vod.UploadPayload{ClipID: c.ID, Title: body.Title, Privacy: body.Privacy})
}

func (h *Handlers) enqueue(w http.ResponseWriter, r *http.Request, kind jobs.Kind, key string, payload any) {
	id, err := h.jobs.Enqueue(r.Context(), kind, key, payload)
	if errors.Is(err, jobs.ErrResourceBusy) {
		writeError(w, http.StatusConflict, "a job for this resource is already pending or processing")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": string(jobs.StatusPending)})
}

func (h *Handlers) loadVOD(w http.ResponseWriter, r *http.Request) (db.VOD, bool) {
	v, err := h.repo.GetVOD(r.Context(), r.PathValue("id"))
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "vod not found")
		return db.VOD{}, false
	}
	if err != nil {
		h.internalError(w, r, err)
		return db.VOD{}, false
	}
	return v, true
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, err error) {
	telemetry.LoggerWithCorr(r.Context()).Error("request failed", slog.String("path", r.URL.Path), slog.Any("err", err), slog.String("component", "http"))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// decodeBody reads an optional JSON body into v. An empty body is fine.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

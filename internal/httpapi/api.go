// Package httpapi is the REST surface consumed by agent dashboards. The SSE
// stream lives on the same mux; everything else is plain JSON over stdlib
// ServeMux method patterns.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/exolabs/exobridge/internal/consumer"
	"github.com/exolabs/exobridge/internal/fanout"
	"github.com/exolabs/exobridge/internal/registry"
	"github.com/exolabs/exobridge/internal/store"
	"github.com/exolabs/exobridge/internal/summary"
	"github.com/exolabs/exobridge/pkg/types"
)

// defaultActiveLimit caps GET /calls/active when the client sends no limit.
const defaultActiveLimit = 50

// API serves the dashboard endpoints.
type API struct {
	consumer *consumer.Consumer
	registry registry.Registry
	store    store.Store
	hub      *fanout.Hub
	log      *slog.Logger
}

// New creates the API handler set.
func New(c *consumer.Consumer, reg registry.Registry, st store.Store, hub *fanout.Hub, log *slog.Logger) *API {
	return &API{
		consumer: c,
		registry: reg,
		store:    st,
		hub:      hub,
		log:      log.With("component", "httpapi"),
	}
}

// Register adds all dashboard routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /calls/ingest-transcript", a.ingestTranscript)
	mux.HandleFunc("GET /calls/active", a.listActive)
	mux.HandleFunc("GET /calls/{id}/transcript", a.transcript)
	mux.HandleFunc("POST /calls/summary", a.summarize)
	mux.HandleFunc("POST /calls/{id}/disposition", a.saveDisposition)
	mux.Handle("GET /events/stream", a.hub.Handler())
}

// ingestTranscriptRequest is the body of POST /calls/ingest-transcript. Field
// names follow the dashboard's camelCase convention.
type ingestTranscriptRequest struct {
	CallID   string `json:"callId"`
	TenantID string `json:"tenantId"`
	Seq      int64  `json:"seq"`
	TS       int64  `json:"ts"`
	Text     string `json:"text"`
	Speaker  string `json:"speaker"`
}

// ingestTranscript feeds an externally produced transcript line into the
// same consumer pipeline the ASR worker feeds.
func (a *API) ingestTranscript(w http.ResponseWriter, r *http.Request) {
	var req ingestTranscriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CallID == "" || req.Seq <= 0 {
		writeError(w, http.StatusBadRequest, "callId and a positive seq are required")
		return
	}

	speaker := types.Speaker(req.Speaker)
	if speaker == "" {
		speaker = types.SpeakerUnknown
	}
	line := types.Transcript{
		InteractionID: req.CallID,
		Seq:           req.Seq,
		TS:            req.TS,
		Text:          req.Text,
		Kind:          types.TranscriptFinal,
		Speaker:       speaker,
	}
	if err := a.consumer.Submit(r.Context(), req.TenantID, line); err != nil {
		a.log.Error("transcript ingest failed", "interaction_id", req.CallID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "transcript not accepted")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// listActive returns active registry entries, most recently active first.
func (a *API) listActive(w http.ResponseWriter, r *http.Request) {
	limit := defaultActiveLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := a.registry.ListActive(r.Context(), limit)
	if err != nil {
		a.log.Error("registry list failed", "err", err)
		writeError(w, http.StatusInternalServerError, "registry unavailable")
		return
	}
	if entries == nil {
		entries = []types.CallRegistryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": entries})
}

// transcript serves the polling-fallback read path.
func (a *API) transcript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	lines, err := a.consumer.Transcript(r.Context(), id)
	if err != nil {
		a.log.Error("transcript read failed", "interaction_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "transcript unavailable")
		return
	}
	if lines == nil {
		lines = []types.Transcript{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"callId": id, "lines": lines})
}

type summarizeRequest struct {
	CallID   string `json:"callId"`
	TenantID string `json:"tenantId"`
}

// summarize returns the call's disposition summary, generating it on demand.
// The summary is not persisted here; saving a disposition is the dashboard's
// explicit step.
func (a *API) summarize(w http.ResponseWriter, r *http.Request) {
	var req summarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CallID == "" {
		writeError(w, http.StatusBadRequest, "callId is required")
		return
	}

	s, err := a.consumer.Summary(r.Context(), req.TenantID, req.CallID)
	if err != nil {
		if errors.Is(err, summary.ErrNoTranscript) {
			writeError(w, http.StatusNotFound, "no transcript stored for call")
			return
		}
		if errors.Is(err, consumer.ErrSummaryUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "summary generation not configured")
			return
		}
		a.log.Error("summary failed", "interaction_id", req.CallID, "err", err)
		writeError(w, http.StatusBadGateway, "summary generation failed")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type dispositionRequest struct {
	ID    string  `json:"id"`
	Code  string  `json:"code"`
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

// saveDisposition persists the agent-chosen call outcome.
func (a *API) saveDisposition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req dispositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	d := types.Disposition{ID: req.ID, Code: req.Code, Title: req.Title, Score: req.Score}
	if err := a.store.SaveDisposition(r.Context(), id, d); err != nil {
		a.log.Error("disposition save failed", "interaction_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "disposition not saved")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

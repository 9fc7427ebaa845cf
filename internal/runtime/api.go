package runtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-kitten/internal/config"
	"github.com/loqalabs/loqa-kitten/internal/control"
	"github.com/loqalabs/loqa-kitten/internal/engine"
	"github.com/loqalabs/loqa-kitten/internal/eventstore"
)

// Engine is what the HTTP API drives.
type Engine interface {
	control.Controller
	Feed() *engine.Feed
}

type api struct {
	engine   Engine
	store    *eventstore.Store
	defaults config.EngineConfig
	logger   *slog.Logger
}

type generateRequest struct {
	Text    string   `json:"text"`
	VoiceID *int     `json:"voice_id"`
	Speed   *float32 `json:"speed"`
}

type stateResponse struct {
	engine.State
	Seq uint64 `json:"seq"`
}

type eventResponse struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type timelineResponse struct {
	Request eventstore.Request `json:"request"`
	Events  []eventResponse    `json:"events"`
}

const maxTransitionWait = 30 * time.Second

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/state", a.handleState)
	mux.HandleFunc("GET /v1/transitions", a.handleTransitions)
	mux.HandleFunc("GET /v1/voices", a.handleVoices)
	mux.HandleFunc("POST /v1/generate", a.handleGenerate)
	mux.HandleFunc("POST /v1/stop", a.handleStop)
	mux.HandleFunc("GET /v1/requests", a.handleRecentRequests)
	mux.HandleFunc("GET /v1/requests/{token}/events", a.handleRequestEvents)
}

func (a *api) handleState(w http.ResponseWriter, _ *http.Request) {
	state, seq := a.engine.Feed().Current()
	writeJSON(w, http.StatusOK, stateResponse{State: state, Seq: seq})
}

// handleTransitions long-polls for transitions after ?since=N, waiting up
// to ?wait= (a Go duration) when none are available yet.
func (a *api) handleTransitions(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = v
	}
	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid wait")
			return
		}
		wait = min(d, maxTransitionWait)
	}

	trs, _ := a.engine.Feed().Since(since)
	if len(trs) == 0 && wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		trs, _ = a.engine.Feed().Wait(ctx, since)
	}
	if trs == nil {
		trs = []engine.Transition{}
	}
	writeJSON(w, http.StatusOK, trs)
}

func (a *api) handleVoices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Voices())
}

func (a *api) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	voiceID := a.defaults.DefaultVoice
	if req.VoiceID != nil {
		voiceID = *req.VoiceID
	}
	speed := float32(a.defaults.DefaultSpeed)
	if req.Speed != nil {
		speed = *req.Speed
	}
	if err := a.engine.Generate(req.Text, voiceID, speed); err != nil {
		a.commandFailed(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (a *api) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := a.engine.Stop(); err != nil {
		a.commandFailed(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (a *api) commandFailed(w http.ResponseWriter, err error) {
	a.logger.Warn("engine command rejected", slogError(err))
	if errors.Is(err, engine.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (a *api) handleRecentRequests(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = v
	}
	reqs, err := a.store.ListRecentRequests(r.Context(), limit)
	if err != nil {
		a.logger.Error("list requests failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "event store unavailable")
		return
	}
	if reqs == nil {
		reqs = []eventstore.Request{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (a *api) handleRequestEvents(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	req, err := a.store.GetRequest(r.Context(), token)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "unknown request")
		return
	}
	if err != nil {
		a.logger.Error("get request failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "event store unavailable")
		return
	}
	events, err := a.store.ListRequestEvents(r.Context(), token, 200)
	if err != nil {
		a.logger.Error("list events failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "event store unavailable")
		return
	}
	resp := timelineResponse{Request: req, Events: make([]eventResponse, 0, len(events))}
	for _, e := range events {
		out := eventResponse{ID: e.ID, Type: e.Type, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			out.Payload = e.Payload
		}
		resp.Events = append(resp.Events, out)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

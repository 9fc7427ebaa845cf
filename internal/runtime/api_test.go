package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-kitten/internal/audio"
	"github.com/loqalabs/loqa-kitten/internal/config"
	"github.com/loqalabs/loqa-kitten/internal/engine"
	"github.com/loqalabs/loqa-kitten/internal/eventstore"
	"github.com/loqalabs/loqa-kitten/internal/tts"
	"github.com/loqalabs/loqa-kitten/internal/voice"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testAPI struct {
	server   *httptest.Server
	engine   *engine.Engine
	store    *eventstore.Store
	recorder *eventstore.Recorder
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	cfg := config.Default()
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")

	store, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	require.NoError(t, err)
	recorder := eventstore.NewRecorder(store, 64, newLogger())

	graph := audio.NewGraph(audio.NullDriver{Period: 5 * time.Millisecond}, newLogger())
	loader := func(context.Context) (tts.Synthesizer, error) {
		return tts.NewMockSynth(22050, 0), nil
	}
	eng, err := engine.New(cfg.Engine, loader, graph, recorder, newLogger())
	require.NoError(t, err)
	eng.Start(context.Background())

	mux := http.NewServeMux()
	(&api{engine: eng, store: store, defaults: cfg.Engine, logger: newLogger()}).register(mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		_ = eng.Close()
		_ = graph.Close()
		recorder.Close()
		_ = store.Close()
	})
	return &testAPI{server: srv, engine: eng, store: store, recorder: recorder}
}

func (a *testAPI) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(a.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (a *testAPI) post(t *testing.T, path, body string) int {
	t.Helper()
	resp, err := http.Post(a.server.URL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func (a *testAPI) waitPhase(t *testing.T, phase engine.Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return a.engine.State().Phase == phase }, 3*time.Second, 5*time.Millisecond)
}

func TestVoicesEndpoint(t *testing.T) {
	a := newTestAPI(t)
	var voices []voice.Profile
	assert.Equal(t, http.StatusOK, a.getJSON(t, "/v1/voices", &voices))
	assert.Equal(t, voice.Catalog(), voices)
}

func TestGenerateAndTimeline(t *testing.T) {
	a := newTestAPI(t)
	a.waitPhase(t, engine.PhaseReady)

	assert.Equal(t, http.StatusAccepted, a.post(t, "/v1/generate", `{"text":"Hello there","voice_id":1,"speed":1}`))
	a.waitPhase(t, engine.PhasePlaying)

	var state struct {
		Phase string `json:"phase"`
		Seq   uint64 `json:"seq"`
	}
	assert.Equal(t, http.StatusOK, a.getJSON(t, "/v1/state", &state))
	assert.Equal(t, "playing", state.Phase)
	assert.Equal(t, uint64(3), state.Seq)

	a.waitPhase(t, engine.PhaseReady)

	var trs []engine.Transition
	assert.Equal(t, http.StatusOK, a.getJSON(t, "/v1/transitions?since=1", &trs))
	require.Len(t, trs, 3)
	token := trs[0].Token
	require.NotEmpty(t, token)

	require.Eventually(t, func() bool {
		events, err := a.store.ListRequestEvents(context.Background(), token.String(), 10)
		return err == nil && len(events) == 3
	}, 2*time.Second, 5*time.Millisecond)

	var timeline timelineResponse
	assert.Equal(t, http.StatusOK, a.getJSON(t, "/v1/requests/"+token.String()+"/events", &timeline))
	assert.Equal(t, "Hello there", timeline.Request.Text)
	assert.Equal(t, 1, timeline.Request.VoiceID)
	assert.Equal(t, float32(1), timeline.Request.Speed)
	require.Len(t, timeline.Events, 3)
	assert.Equal(t, "state.generating", timeline.Events[0].Type)
	assert.Equal(t, "state.ready", timeline.Events[2].Type)

	var recent []eventstore.Request
	assert.Equal(t, http.StatusOK, a.getJSON(t, "/v1/requests", &recent))
	require.Len(t, recent, 1)
	assert.Equal(t, token.String(), recent[0].Token)
}

func TestStopEndpoint(t *testing.T) {
	a := newTestAPI(t)
	a.waitPhase(t, engine.PhaseReady)

	assert.Equal(t, http.StatusAccepted, a.post(t, "/v1/generate", `{"text":"a fairly long sentence to keep playing"}`))
	a.waitPhase(t, engine.PhasePlaying)
	assert.Equal(t, http.StatusAccepted, a.post(t, "/v1/stop", ``))
	a.waitPhase(t, engine.PhaseReady)
}

func TestTransitionsLongPoll(t *testing.T) {
	a := newTestAPI(t)
	a.waitPhase(t, engine.PhaseReady)

	done := make(chan []engine.Transition, 1)
	go func() {
		resp, err := http.Get(a.server.URL + "/v1/transitions?since=1&wait=2s")
		if err != nil {
			return
		}
		defer resp.Body.Close()
		var trs []engine.Transition
		if json.NewDecoder(resp.Body).Decode(&trs) == nil {
			done <- trs
		}
	}()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, http.StatusAccepted, a.post(t, "/v1/generate", `{"text":"Hi"}`))

	select {
	case trs := <-done:
		require.NotEmpty(t, trs)
		assert.Equal(t, engine.PhaseGenerating, trs[0].To.Phase)
	case <-time.After(3 * time.Second):
		t.Fatal("long poll never returned")
	}

	var empty []engine.Transition
	assert.Equal(t, http.StatusOK, a.getJSON(t, "/v1/transitions?since=1000", &empty))
	assert.Empty(t, empty)
}

func TestBadRequests(t *testing.T) {
	a := newTestAPI(t)
	assert.Equal(t, http.StatusBadRequest, a.post(t, "/v1/generate", `{nope`))
	assert.Equal(t, http.StatusBadRequest, a.getJSON(t, "/v1/transitions?since=x", nil))
	assert.Equal(t, http.StatusBadRequest, a.getJSON(t, "/v1/transitions?wait=forever", nil))
	assert.Equal(t, http.StatusBadRequest, a.getJSON(t, "/v1/requests?limit=0", nil))
	assert.Equal(t, http.StatusNotFound, a.getJSON(t, "/v1/requests/missing/events", nil))
}

func TestClosedEngineReturnsUnavailable(t *testing.T) {
	a := newTestAPI(t)
	a.waitPhase(t, engine.PhaseReady)
	require.NoError(t, a.engine.Close())
	assert.Equal(t, http.StatusServiceUnavailable, a.post(t, "/v1/generate", `{"text":"x"}`))
	assert.Equal(t, http.StatusServiceUnavailable, a.post(t, "/v1/stop", ``))
}

func TestReadiness(t *testing.T) {
	r := New(config.Default(), newLogger())
	rec := httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	r.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenDriverNull(t *testing.T) {
	drv := openDriver(config.AudioConfig{Driver: "null", PeriodMS: 10}, newLogger())
	assert.Equal(t, "null", drv.Name())
}

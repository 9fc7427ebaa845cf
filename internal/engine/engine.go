// Package engine coordinates speech synthesis and playback. A single
// goroutine owns every state transition and every call into the audio
// graph; everything else talks to it through one inbox channel.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/loqalabs/loqa-kitten/internal/audio"
	"github.com/loqalabs/loqa-kitten/internal/config"
	"github.com/loqalabs/loqa-kitten/internal/eventstore"
	"github.com/loqalabs/loqa-kitten/internal/tts"
	"github.com/loqalabs/loqa-kitten/internal/voice"
)

var (
	ErrClosed         = errors.New("engine closed")
	ErrEmptySynthesis = errors.New("empty synthesis result")
)

const (
	MinSpeed float32 = 0.5
	MaxSpeed float32 = 2.0
)

// Player is the audio output the engine drives. *audio.Graph implements it.
type Player interface {
	Connect(sampleRate int) (audio.Handle, error)
	Schedule(buf *audio.Buffer, onDone func()) error
	Stop()
	Running() bool
	Rate() int
	Close() error
}

// Journal receives the request timeline. Implementations must not block.
type Journal interface {
	RecordRequest(eventstore.Request)
	RecordEvent(eventstore.Event)
}

type generateCmd struct {
	text    string
	voiceID int
	speed   float32
}

type stopCmd struct{}

type loadDone struct {
	synth tts.Synthesizer
	err   error
}

type playbackDone struct{ token Token }

type Engine struct {
	cfg     config.EngineConfig
	loader  tts.Loader
	player  Player
	journal Journal
	log     *slog.Logger
	metrics *metrics

	inbox chan any
	done  chan struct{}
	feed  *Feed

	startOnce sync.Once
	started   chan struct{}
	cancel    context.CancelFunc

	// Owned by the run goroutine.
	state      State
	tokens     TokenRegistry
	dispatcher *Dispatcher
}

func New(cfg config.EngineConfig, loader tts.Loader, player Player, journal Journal, log *slog.Logger) (*Engine, error) {
	if journal == nil {
		journal = nopJournal{}
	}
	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("engine metrics: %w", err)
	}
	inbox := cfg.InboxSize
	if inbox <= 0 {
		inbox = 64
	}
	return &Engine{
		cfg:     cfg,
		loader:  loader,
		player:  player,
		journal: journal,
		log:     log.With(slog.String("component", "engine")),
		metrics: m,
		inbox:   make(chan any, inbox),
		done:    make(chan struct{}),
		started: make(chan struct{}),
		feed:    NewFeed(stateLoading, cfg.HistorySize),
		state:   stateLoading,
	}, nil
}

// Start launches the coordination loop and the backend load. The loop runs
// until ctx is cancelled or Close is called.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		e.cancel = cancel
		close(e.started)
		go e.run(ctx)
		go func() {
			synth, err := e.loader(ctx)
			_ = e.post(loadDone{synth: synth, err: err})
		}()
	})
}

// Generate queues a synthesis request. It only fails once the engine has
// shut down.
func (e *Engine) Generate(text string, voiceID int, speed float32) error {
	return e.post(generateCmd{text: text, voiceID: voiceID, speed: speed})
}

// Stop queues a stop. It is a no-op when nothing is in progress.
func (e *Engine) Stop() error {
	return e.post(stopCmd{})
}

func (e *Engine) State() State {
	s, _ := e.feed.Current()
	return s
}

func (e *Engine) Feed() *Feed { return e.feed }

func (e *Engine) Subscribe(ctx context.Context) <-chan Transition {
	return e.feed.Subscribe(ctx)
}

func (e *Engine) Voices() []voice.Profile { return voice.Catalog() }

// Done is closed when the coordination loop has exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Close stops the loop, silences playback and waits for outstanding
// backend calls to deliver.
func (e *Engine) Close() error {
	select {
	case <-e.started:
	default:
		return nil
	}
	e.cancel()
	<-e.done
	if e.dispatcher != nil {
		e.dispatcher.Wait()
	}
	return nil
}

func (e *Engine) post(ev any) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	select {
	case e.inbox <- ev:
		return nil
	case <-e.done:
		return ErrClosed
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			e.tokens.Clear()
			if e.dispatcher != nil {
				e.dispatcher.Abandon()
			}
			e.player.Stop()
			e.log.Info("engine stopped")
			return
		case ev := <-e.inbox:
			e.handle(ctx, ev)
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case loadDone:
		e.onLoad(ctx, ev)
	case generateCmd:
		e.onGenerate(ctx, ev)
	case stopCmd:
		e.onStop()
	case Completion:
		e.onCompletion(ctx, ev)
	case playbackDone:
		e.onPlaybackDone(ctx, ev)
	default:
		e.log.Warn("unknown inbox event", slog.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (e *Engine) onLoad(ctx context.Context, ev loadDone) {
	if ev.err != nil {
		e.metrics.errors.Add(ctx, 1)
		e.log.Error("model load failed", slogError(ev.err))
		e.transition(errorState(tts.LoadFailureMessage(ev.err)), "")
		return
	}
	e.dispatcher = NewDispatcher(ev.synth, e.cfg.Workers, func(c Completion) { _ = e.post(c) }, e.log)
	e.transition(stateReady, "")
}

func (e *Engine) onGenerate(ctx context.Context, cmd generateCmd) {
	if e.dispatcher == nil {
		e.log.Debug("generate ignored, no backend loaded", slog.String("state", e.state.String()))
		return
	}
	switch e.state.Phase {
	case PhaseGenerating, PhasePlaying:
		if !e.cfg.Preempt {
			e.log.Debug("generate ignored while busy", slog.String("state", e.state.String()))
			return
		}
		e.abandon()
	}

	req := SynthesisRequest{
		Text:    cmd.text,
		VoiceID: cmd.voiceID,
		Speed:   clampSpeed(cmd.speed),
		Token:   e.tokens.Mint(),
	}
	e.metrics.generations.Add(ctx, 1)
	e.journal.RecordRequest(eventstore.Request{
		Token:   req.Token.String(),
		Text:    req.Text,
		VoiceID: req.VoiceID,
		Speed:   req.Speed,
	})
	e.transition(stateGenerating, req.Token)
	e.dispatcher.Dispatch(ctx, req)
}

// abandon invalidates the current request and silences its audio.
func (e *Engine) abandon() {
	e.tokens.Clear()
	e.dispatcher.Abandon()
	if e.state.Phase == PhasePlaying {
		e.player.Stop()
	}
}

func (e *Engine) onStop() {
	token, _ := e.tokens.Current()
	switch e.state.Phase {
	case PhaseReady, PhaseLoading:
		return
	case PhaseGenerating, PhasePlaying:
		e.abandon()
	case PhaseError:
		// A failed load has no backend to become Ready with.
		if e.dispatcher == nil {
			e.log.Debug("stop ignored, no backend loaded")
			return
		}
		e.tokens.Clear()
	}
	e.transition(stateReady, token)
}

func (e *Engine) onCompletion(ctx context.Context, c Completion) {
	if c.Skipped || !e.tokens.IsCurrent(c.Token) || e.state.Phase != PhaseGenerating {
		e.dropStale(ctx, c.Token, "synthesis")
		return
	}
	e.metrics.synthesisDuration.Record(ctx, c.Elapsed.Seconds())

	if c.Err != nil {
		if errors.Is(c.Err, ErrEmptySynthesis) {
			e.fail(ctx, c.Token, "Generation produced empty audio", c.Err)
			return
		}
		e.fail(ctx, c.Token, "Generation failed: "+c.Err.Error(), c.Err)
		return
	}

	buf, err := audio.Build(c.Audio.Samples, c.Audio.SampleRate)
	if err != nil {
		e.fail(ctx, c.Token, "Failed to create audio buffer", err)
		return
	}
	if err := e.ensureConnected(ctx, buf.SampleRate()); err != nil {
		e.fail(ctx, c.Token, "Audio output unavailable", err)
		return
	}

	token := c.Token
	if err := e.player.Schedule(buf, func() { _ = e.post(playbackDone{token: token}) }); err != nil {
		e.fail(ctx, c.Token, "Audio output unavailable", err)
		return
	}
	e.log.Debug("buffer scheduled",
		slog.String("token", token.String()),
		slog.Int("frames", buf.Frames()),
		slog.Int("sample_rate", buf.SampleRate()),
		slog.Duration("synthesis", c.Elapsed))
	e.transition(statePlaying, token)
}

// ensureConnected reconnects when the rate changes or the stream has
// stopped underneath us.
func (e *Engine) ensureConnected(ctx context.Context, rate int) error {
	if e.player.Running() && e.player.Rate() == rate {
		return nil
	}
	if _, err := e.player.Connect(rate); err != nil {
		return err
	}
	e.metrics.reconnects.Add(ctx, 1)
	return nil
}

func (e *Engine) onPlaybackDone(ctx context.Context, ev playbackDone) {
	if !e.tokens.IsCurrent(ev.token) || e.state.Phase != PhasePlaying {
		e.dropStale(ctx, ev.token, "playback")
		return
	}
	e.tokens.Clear()
	e.transition(stateReady, ev.token)
}

func (e *Engine) fail(ctx context.Context, token Token, msg string, err error) {
	e.metrics.errors.Add(ctx, 1)
	e.log.Warn("generation failed", slog.String("token", token.String()), slog.String("message", msg), slogError(err))
	e.tokens.Clear()
	e.transition(errorState(msg), token)
}

func (e *Engine) dropStale(ctx context.Context, token Token, kind string) {
	e.metrics.staleEvents.Add(ctx, 1)
	e.log.Debug("stale event dropped", slog.String("kind", kind), slog.String("token", token.String()))
	if token != "" {
		e.journal.RecordEvent(eventstore.Event{Token: token.String(), Type: "stale." + kind})
	}
}

func (e *Engine) transition(to State, token Token) {
	e.state = to
	tr := e.feed.publish(to, token)
	e.log.Info("state changed", slog.String("from", tr.From.String()), slog.String("to", to.String()), slog.String("token", token.String()))
	if token == "" {
		return
	}
	payload, err := json.Marshal(tr)
	if err != nil {
		e.log.Warn("encode transition failed", slogError(err))
		return
	}
	e.journal.RecordEvent(eventstore.Event{Token: token.String(), Type: "state." + to.Phase.String(), Payload: payload, CreatedAt: tr.At})
}

func clampSpeed(speed float32) float32 {
	switch {
	case math.IsNaN(float64(speed)):
		return 1.0
	case speed < MinSpeed:
		return MinSpeed
	case speed > MaxSpeed:
		return MaxSpeed
	default:
		return speed
	}
}

type nopJournal struct{}

func (nopJournal) RecordRequest(eventstore.Request) {}
func (nopJournal) RecordEvent(eventstore.Event)     {}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

var _ Player = (*audio.Graph)(nil)

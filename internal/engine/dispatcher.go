package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-kitten/internal/tts"
)

const instrumentationName = "github.com/loqalabs/loqa-kitten/engine"

// SynthesisRequest is the immutable input handed to a dispatcher worker.
type SynthesisRequest struct {
	Text    string
	VoiceID int
	Speed   float32
	Token   Token
}

// Completion is the single result of one dispatched request.
type Completion struct {
	Token   Token
	Audio   tts.Audio
	Err     error
	Elapsed time.Duration
	// Skipped is set when the request was abandoned before reaching the backend.
	Skipped bool
}

// Dispatcher runs backend calls on a bounded set of worker goroutines and
// delivers exactly one Completion per request.
type Dispatcher struct {
	synth   tts.Synthesizer
	deliver func(Completion)
	log     *slog.Logger
	sem     chan struct{}
	wg      sync.WaitGroup

	mu   sync.Mutex
	live Token
}

func NewDispatcher(synth tts.Synthesizer, workers int, deliver func(Completion), log *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		synth:   synth,
		deliver: deliver,
		log:     log.With(slog.String("component", "dispatcher")),
		sem:     make(chan struct{}, workers),
	}
}

// Dispatch never blocks the caller. The request becomes the live one.
func (d *Dispatcher) Dispatch(ctx context.Context, req SynthesisRequest) {
	d.mu.Lock()
	d.live = req.Token
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(d.run(ctx, req))
	}()
}

// Abandon marks the live request stale. Queued requests skip the backend;
// a call already running is left to finish.
func (d *Dispatcher) Abandon() {
	d.mu.Lock()
	d.live = ""
	d.mu.Unlock()
}

func (d *Dispatcher) isLive(token Token) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return token == d.live
}

func (d *Dispatcher) run(ctx context.Context, req SynthesisRequest) Completion {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return Completion{Token: req.Token, Err: ctx.Err(), Skipped: true}
	}
	defer func() { <-d.sem }()

	if !d.isLive(req.Token) {
		d.log.Debug("request abandoned before synthesis", slog.String("token", req.Token.String()))
		return Completion{Token: req.Token, Skipped: true, Err: fmt.Errorf("request abandoned")}
	}

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "kitten.generate", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("kitten.token", req.Token.String()),
		attribute.Int("kitten.voice_id", req.VoiceID),
		attribute.Float64("kitten.speed", float64(req.Speed)),
		attribute.Int("kitten.text_length", len(req.Text)),
	)
	defer span.End()

	start := time.Now()
	audio, err := d.synthesize(ctx, req)
	c := Completion{Token: req.Token, Audio: audio, Err: err, Elapsed: time.Since(start)}
	if err == nil && audio.Empty() {
		c.Err = fmt.Errorf("%w: %d samples at %d Hz", ErrEmptySynthesis, audio.SampleCount(), audio.SampleRate)
	}
	if c.Err != nil {
		span.RecordError(c.Err)
		span.SetStatus(codes.Error, c.Err.Error())
	} else {
		span.SetAttributes(
			attribute.Int("kitten.samples", audio.SampleCount()),
			attribute.Int("kitten.sample_rate", audio.SampleRate),
		)
	}
	return c
}

func (d *Dispatcher) synthesize(ctx context.Context, req SynthesisRequest) (audio tts.Audio, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("synthesizer panic", slog.Any("panic", r), slog.String("token", req.Token.String()))
			audio, err = tts.Audio{}, fmt.Errorf("synthesizer panic: %v", r)
		}
	}()
	return d.synth.Synthesize(ctx, tts.Request{Text: req.Text, VoiceID: req.VoiceID, Speed: req.Speed})
}

// Wait blocks until every dispatched request has delivered its completion.
func (d *Dispatcher) Wait() { d.wg.Wait() }

package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAudioGraph wraps device connect, start and scheduling failures.
var ErrAudioGraph = errors.New("audio graph error")

// Handle identifies one live connection between the player and the device.
// A new Handle is issued on every Connect; the old one is never reused.
type Handle struct {
	ID         uint64
	SampleRate int
}

// Graph owns the output device stream and a single-buffer player feeding it.
//
// Connect, Schedule, Stop and Close must be called from one goroutine. The
// player state is shared with the device render callback under mu.
type Graph struct {
	driver Driver
	log    *slog.Logger

	stream   Stream
	handle   Handle
	nextID   uint64
	connects int

	mu      sync.Mutex
	pending *Buffer
	pos     int
	onDone  func()
}

func NewGraph(driver Driver, log *slog.Logger) *Graph {
	return &Graph{
		driver: driver,
		log:    log.With(slog.String("component", "audio-graph"), slog.String("driver", driver.Name())),
	}
}

// Connect tears down the current stream and opens a new mono stream at
// sampleRate, then starts it.
func (g *Graph) Connect(sampleRate int) (Handle, error) {
	if sampleRate <= 0 {
		return Handle{}, fmt.Errorf("%w: invalid sample rate %d", ErrAudioGraph, sampleRate)
	}
	g.teardown()

	stream, err := g.driver.Open(sampleRate, g.render)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: open %d Hz stream: %v", ErrAudioGraph, sampleRate, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return Handle{}, fmt.Errorf("%w: start %d Hz stream: %v", ErrAudioGraph, sampleRate, err)
	}

	g.nextID++
	g.connects++
	g.stream = stream
	g.handle = Handle{ID: g.nextID, SampleRate: sampleRate}
	g.log.Info("audio graph connected", slog.Int("sample_rate", sampleRate), slog.Uint64("handle", g.handle.ID))
	return g.handle, nil
}

func (g *Graph) teardown() {
	g.clearPending()
	if g.stream == nil {
		return
	}
	if err := g.stream.Stop(); err != nil {
		g.log.Warn("stop stream failed", slog.String("error", err.Error()))
	}
	if err := g.stream.Close(); err != nil {
		g.log.Warn("close stream failed", slog.String("error", err.Error()))
	}
	g.stream = nil
	g.handle = Handle{}
}

// Schedule hands buf to the player. onDone fires once, on its own goroutine,
// after the last frame has been rendered. A buffer that is still pending is
// replaced and its callback is dropped.
func (g *Graph) Schedule(buf *Buffer, onDone func()) error {
	if !g.Running() {
		return fmt.Errorf("%w: stream not running", ErrAudioGraph)
	}
	if buf.SampleRate() != g.handle.SampleRate {
		return fmt.Errorf("%w: buffer at %d Hz on %d Hz graph", ErrAudioGraph, buf.SampleRate(), g.handle.SampleRate)
	}
	g.mu.Lock()
	g.pending = buf
	g.pos = 0
	g.onDone = onDone
	g.mu.Unlock()
	return nil
}

// Stop silences the player and discards the pending buffer without firing
// its callback. The device stream keeps running.
func (g *Graph) Stop() {
	g.clearPending()
}

func (g *Graph) clearPending() {
	g.mu.Lock()
	g.pending = nil
	g.pos = 0
	g.onDone = nil
	g.mu.Unlock()
}

func (g *Graph) render(out []float32) {
	g.mu.Lock()
	buf := g.pending
	if buf == nil {
		g.mu.Unlock()
		clear(out)
		return
	}
	n := copy(out, buf.samples[g.pos:])
	clear(out[n:])
	g.pos += n
	var done func()
	if g.pos >= len(buf.samples) {
		done = g.onDone
		g.pending = nil
		g.onDone = nil
		g.pos = 0
	}
	g.mu.Unlock()

	if done != nil {
		go done()
	}
}

func (g *Graph) Running() bool { return g.stream != nil && g.stream.Running() }

// Rate is the sample rate of the connected stream, 0 when disconnected.
func (g *Graph) Rate() int { return g.handle.SampleRate }

func (g *Graph) Handle() Handle { return g.handle }

// Connects counts successful Connect calls.
func (g *Graph) Connects() int { return g.connects }

// Playing reports whether a buffer is scheduled and not yet finished.
func (g *Graph) Playing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending != nil
}

func (g *Graph) Close() error {
	g.teardown()
	return nil
}

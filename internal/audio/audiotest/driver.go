// Package audiotest provides a hand-cranked audio.Driver for tests.
package audiotest

import (
	"errors"
	"sync"

	"github.com/loqalabs/loqa-kitten/internal/audio"
)

// Driver records every stream it opens. Nothing is rendered until Pump is
// called, so tests decide exactly when playback progresses.
type Driver struct {
	mu       sync.Mutex
	opened   []int
	current  *Stream
	failOpen error
}

var _ audio.Driver = (*Driver)(nil)

func NewDriver() *Driver { return &Driver{} }

func (d *Driver) Name() string { return "test" }

func (d *Driver) Open(sampleRate int, render audio.RenderFunc) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failOpen != nil {
		return nil, d.failOpen
	}
	d.opened = append(d.opened, sampleRate)
	s := &Stream{rate: sampleRate, render: render}
	d.current = s
	return s, nil
}

func (d *Driver) Close() error { return nil }

// FailOpen makes subsequent Open calls return err; nil restores them.
func (d *Driver) FailOpen(err error) {
	d.mu.Lock()
	d.failOpen = err
	d.mu.Unlock()
}

// Opened lists the sample rates of every stream opened so far.
func (d *Driver) Opened() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.opened...)
}

// Current returns the most recently opened stream.
func (d *Driver) Current() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Pump renders frames on the current stream and returns what was rendered.
// It returns nil when no running stream exists.
func (d *Driver) Pump(frames int) []float32 {
	s := d.Current()
	if s == nil {
		return nil
	}
	return s.Pump(frames)
}

// Stream is the fake device output path.
type Stream struct {
	rate   int
	render audio.RenderFunc

	mu      sync.Mutex
	running bool
	closed  bool
}

func (s *Stream) SampleRate() int { return s.rate }

func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream closed")
	}
	s.running = true
	return nil
}

func (s *Stream) Stop() error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	s.running = false
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Halt simulates the device stopping underneath the graph.
func (s *Stream) Halt() { _ = s.Stop() }

func (s *Stream) Pump(frames int) []float32 {
	if !s.Running() {
		return nil
	}
	out := make([]float32, frames)
	s.render(out)
	return out
}

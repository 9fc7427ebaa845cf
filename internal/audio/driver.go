package audio

import (
	"sync"
	"time"
)

// RenderFunc fills out with the next frames of mono audio. It is called on
// the device thread and must not block.
type RenderFunc func(out []float32)

// Driver opens mono float32 output streams on an audio device.
type Driver interface {
	Name() string
	Open(sampleRate int, render RenderFunc) (Stream, error)
	Close() error
}

// Stream is one live device output path at a fixed sample rate.
type Stream interface {
	Start() error
	Stop() error
	Close() error
	Running() bool
}

// NullDriver renders into nothing at real-time pace. It stands in for a
// sound card on headless hosts so playback timing and completion behave
// the same as on hardware.
type NullDriver struct {
	Period time.Duration
}

func (NullDriver) Name() string { return "null" }

func (d NullDriver) Open(sampleRate int, render RenderFunc) (Stream, error) {
	period := d.Period
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	frames := int(int64(sampleRate) * int64(period) / int64(time.Second))
	if frames <= 0 {
		frames = 1
	}
	return &nullStream{period: period, frames: frames, render: render}, nil
}

func (NullDriver) Close() error { return nil }

type nullStream struct {
	period time.Duration
	frames int
	render RenderFunc

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (s *nullStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
	return nil
}

func (s *nullStream) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	buf := make([]float32, s.frames)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.render(buf)
		}
	}
}

func (s *nullStream) Stop() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (s *nullStream) Close() error { return s.Stop() }

func (s *nullStream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

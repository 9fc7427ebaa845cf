package tts

import (
	"context"
	"math"
	"strings"
	"time"
)

type mockSynth struct {
	sampleRate int
	latency    time.Duration
}

// NewMockSynth returns a tone generator that stands in for a model: every
// non-space character of input becomes 50ms of a voice-dependent sine.
func NewMockSynth(sampleRate int, latency time.Duration) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, latency: latency}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(m.latency):
	}

	chars := len([]rune(strings.Join(strings.Fields(req.Text), "")))
	if chars == 0 {
		return Audio{SampleRate: m.sampleRate}, nil
	}
	speed := float64(req.Speed)
	if speed <= 0 {
		speed = 1
	}
	frames := int(float64(chars*m.sampleRate/20) / speed)
	freq := 180.0 + 20.0*float64(req.VoiceID)
	samples := make([]float32, frames)
	for i := range samples {
		samples[i] = float32(0.2 * math.Sin(2*math.Pi*freq*float64(i)/float64(m.sampleRate)))
	}
	return Audio{Samples: samples, SampleRate: m.sampleRate}, nil
}

package tts

import (
	"context"
	"errors"
)

var (
	// ErrModelLoad marks a backend that could not be brought up from its assets.
	ErrModelLoad = errors.New("model load failed")
	// ErrBundleMissing is joined with ErrModelLoad when an asset file is absent.
	ErrBundleMissing = errors.New("model files not found in bundle")
)

// LoadFailureMessage is the user-facing text for a failed backend load.
func LoadFailureMessage(err error) string {
	if errors.Is(err, ErrBundleMissing) {
		return "Model files not found in bundle"
	}
	return "Failed to initialize TTS model"
}

// Request contains parameters to synthesize speech.
type Request struct {
	Text    string
	VoiceID int
	Speed   float32
}

// Audio is a complete rendered waveform, mono float32 PCM.
type Audio struct {
	Samples    []float32
	SampleRate int
}

func (a Audio) SampleCount() int { return len(a.Samples) }

// Empty reports whether the backend signalled an empty or invalid result.
func (a Audio) Empty() bool { return a.SampleCount() <= 0 || a.SampleRate <= 0 }

// Synthesizer is the contract for producing audio. Implementations return
// the whole waveform in one call; a started call may not be interruptible.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// Loader brings a Synthesizer up once at startup.
type Loader func(ctx context.Context) (Synthesizer, error)

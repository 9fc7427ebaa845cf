package audio

import (
	"errors"
	"fmt"
	"time"
)

// MaxFrames bounds a single playback buffer (ten minutes at 48kHz).
const MaxFrames = 48000 * 60 * 10

// ErrBufferAllocation is returned when a playback buffer cannot be built.
var ErrBufferAllocation = errors.New("buffer allocation failed")

// Buffer is a mono float32 PCM buffer tagged with the rate it was built for.
type Buffer struct {
	samples    []float32
	sampleRate int
}

// Build copies samples verbatim into a new Buffer. No resampling or gain is
// applied.
func Build(samples []float32, sampleRate int) (buf *Buffer, err error) {
	if len(samples) <= 0 {
		return nil, fmt.Errorf("%w: sample count %d", ErrBufferAllocation, len(samples))
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrBufferAllocation, sampleRate)
	}
	if len(samples) > MaxFrames {
		return nil, fmt.Errorf("%w: %d frames exceeds limit of %d", ErrBufferAllocation, len(samples), MaxFrames)
	}
	defer func() {
		if r := recover(); r != nil {
			buf, err = nil, fmt.Errorf("%w: %v", ErrBufferAllocation, r)
		}
	}()
	data := make([]float32, len(samples))
	copy(data, samples)
	return &Buffer{samples: data, sampleRate: sampleRate}, nil
}

func (b *Buffer) Frames() int { return len(b.samples) }

func (b *Buffer) SampleRate() int { return b.sampleRate }

// Samples returns a copy of the buffer contents.
func (b *Buffer) Samples() []float32 {
	out := make([]float32, len(b.samples))
	copy(out, b.samples)
	return out
}

func (b *Buffer) Duration() time.Duration {
	return time.Duration(len(b.samples)) * time.Second / time.Duration(b.sampleRate)
}

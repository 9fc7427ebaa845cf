// Package miniaudio drives the platform sound device through malgo.
package miniaudio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/loqalabs/loqa-kitten/internal/audio"
)

const bytesPerSample = 4

// Driver owns the miniaudio context; each Open creates a playback device.
type Driver struct {
	ctx      *malgo.AllocatedContext
	periodMS int
}

var _ audio.Driver = (*Driver)(nil)

// New acquires the platform audio context.
func New(periodMS int, log *slog.Logger) (*Driver, error) {
	log = log.With(slog.String("component", "miniaudio"))
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug("miniaudio", slog.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	return &Driver{ctx: ctx, periodMS: periodMS}, nil
}

func (d *Driver) Name() string { return "miniaudio" }

func (d *Driver) Open(sampleRate int, render audio.RenderFunc) (audio.Stream, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.PeriodSizeInMilliseconds = uint32(d.periodMS)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	var scratch []float32
	device, err := malgo.InitDevice(d.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(outputSamples, _ []byte, framecount uint32) {
			frames := int(framecount)
			if limit := len(outputSamples) / bytesPerSample; frames > limit {
				frames = limit
			}
			if cap(scratch) < frames {
				scratch = make([]float32, frames)
			}
			scratch = scratch[:frames]
			render(scratch)
			for i, s := range scratch {
				binary.LittleEndian.PutUint32(outputSamples[i*bytesPerSample:], math.Float32bits(s))
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}
	return &stream{device: device}, nil
}

func (d *Driver) Close() error {
	if d.ctx == nil {
		return nil
	}
	err := d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
	return err
}

type stream struct {
	device *malgo.Device
}

func (s *stream) Start() error { return s.device.Start() }

func (s *stream) Stop() error {
	if !s.device.IsStarted() {
		return nil
	}
	return s.device.Stop()
}

func (s *stream) Close() error {
	s.device.Uninit()
	return nil
}

func (s *stream) Running() bool { return s.device.IsStarted() }

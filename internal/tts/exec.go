package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"sync"

	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Text    string  `json:"text"`
	VoiceID int     `json:"voice_id"`
	Speed   float32 `json:"speed"`
}

// NewExecSynth runs command once per request: the request is written to its
// stdin as JSON and a RIFF/WAVE stream is expected on stdout.
func NewExecSynth(command string) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, err := json.Marshal(execRequest{Text: req.Text, VoiceID: req.VoiceID, Speed: req.Speed})
	if err != nil {
		return Audio{}, err
	}

	command := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	command.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Audio{}, fmt.Errorf("tts command failed: %w: %s", err, stderr.String())
	}
	if stdout.Len() == 0 {
		return Audio{}, nil
	}
	return decodeWAV(stdout.Bytes())
}

const (
	wavFormatPCM        = 1
	wavFormatIEEEFloat  = 3
	wavFormatExtensible = 0xFFFE
)

// decodeWAV converts integer PCM or 32-bit IEEE float WAV data to mono
// float32. Multi-channel input is averaged down to one channel.
func decodeWAV(data []byte) (Audio, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Audio{}, errors.New("tts command output is not a wav stream")
	}
	depth := int(dec.BitDepth)

	var sample func(v int) float32
	switch dec.WavAudioFormat {
	case wavFormatPCM, wavFormatExtensible:
		if depth <= 0 || depth > 32 {
			return Audio{}, fmt.Errorf("unsupported wav bit depth %d", depth)
		}
		scale := float32(int64(1) << (depth - 1))
		offset := 0
		if depth == 8 {
			offset = 128
		}
		sample = func(v int) float32 { return float32(v-offset) / scale }
	case wavFormatIEEEFloat:
		if depth != 32 {
			return Audio{}, fmt.Errorf("unsupported float wav bit depth %d", depth)
		}
		// The decoder hands back the raw little-endian bits as an int32.
		sample = func(v int) float32 { return math.Float32frombits(uint32(int32(v))) }
	default:
		return Audio{}, fmt.Errorf("unsupported wav format %d", dec.WavAudioFormat)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Audio{}, fmt.Errorf("decode wav: %w", err)
	}

	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	frames := len(buf.Data) / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += sample(buf.Data[i*channels+c])
		}
		samples[i] = sum / float32(channels)
	}
	return Audio{Samples: samples, SampleRate: int(dec.SampleRate)}, nil
}

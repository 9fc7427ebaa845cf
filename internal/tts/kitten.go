//go:build cgo

package tts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-kitten/internal/config"
	"github.com/loqalabs/loqa-kitten/internal/voice"
	ort "github.com/yalue/onnxruntime_go"
)

// kittenSampleRate is the fixed output rate of the kitten nano model.
const kittenSampleRate = 24000

// kittenSynth runs the Kitten ONNX acoustic model in-process.
type kittenSynth struct {
	mu          sync.Mutex
	session     *ort.DynamicAdvancedSession
	tokens      tokenTable
	phonemes    *phonemizer
	voices      [][]float32
	sampleRate  int
	lengthScale float32
}

func openKitten(cfg config.BackendConfig, log *slog.Logger) (Synthesizer, error) {
	b, err := resolveBundle(cfg)
	if err != nil {
		return nil, err
	}
	tokens, err := loadTokens(b.Tokens)
	if err != nil {
		return nil, err
	}
	voices, err := loadVoiceTable(b.Voices, voice.Count())
	if err != nil {
		return nil, err
	}
	var phonemes *phonemizer
	if cfg.Phonemizer != "" {
		if phonemes, err = newPhonemizer(cfg.Phonemizer, b.DataDir); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
		}
	} else {
		log.Warn("no phonemizer configured, feeding raw text to the model")
	}

	if cfg.ONNXLibrary != "" {
		ort.SetSharedLibraryPath(cfg.ONNXLibrary)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("%w: initialize onnx runtime: %v", ErrModelLoad, err)
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: session options: %v", ErrModelLoad, err)
	}
	defer opts.Destroy()
	if err := opts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
		return nil, fmt.Errorf("%w: set threads: %v", ErrModelLoad, err)
	}

	session, err := ort.NewDynamicAdvancedSession(b.Model,
		[]string{"input_ids", "style", "speed"},
		[]string{"waveform"},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize TTS model: %v", ErrModelLoad, err)
	}

	log.Info("kitten model loaded",
		slog.String("model", b.Model),
		slog.Int("voices", len(voices)),
		slog.Int("style_dim", len(voices[0])),
		slog.Int("threads", cfg.NumThreads))

	return &kittenSynth{
		session:     session,
		tokens:      tokens,
		phonemes:    phonemes,
		voices:      voices,
		sampleRate:  kittenSampleRate,
		lengthScale: float32(cfg.LengthScale),
	}, nil
}

func (k *kittenSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	if req.VoiceID < 0 || req.VoiceID >= len(k.voices) {
		return Audio{}, fmt.Errorf("unknown voice id %d", req.VoiceID)
	}
	ids, err := modelInput(ctx, k.phonemes, k.tokens, req.Text)
	if err != nil {
		return Audio{}, err
	}
	if len(ids) == 0 {
		return Audio{SampleRate: k.sampleRate}, nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	idTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(ids))), ids)
	if err != nil {
		return Audio{}, fmt.Errorf("create input_ids tensor: %w", err)
	}
	defer idTensor.Destroy()

	style := k.voices[req.VoiceID]
	styleTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(style))), style)
	if err != nil {
		return Audio{}, fmt.Errorf("create style tensor: %w", err)
	}
	defer styleTensor.Destroy()

	speedTensor, err := ort.NewTensor(ort.NewShape(1), []float32{req.Speed / k.lengthScale})
	if err != nil {
		return Audio{}, fmt.Errorf("create speed tensor: %w", err)
	}
	defer speedTensor.Destroy()

	// nil output is allocated by the runtime; waveform length depends on input.
	outputs := []ort.Value{nil}
	if err := k.session.Run([]ort.Value{idTensor, styleTensor, speedTensor}, outputs); err != nil {
		return Audio{}, fmt.Errorf("kitten inference failed: %w", err)
	}
	defer outputs[0].Destroy()

	waveform, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return Audio{}, fmt.Errorf("unexpected waveform output type %T", outputs[0])
	}
	samples := append([]float32(nil), waveform.GetData()...)
	return Audio{Samples: samples, SampleRate: k.sampleRate}, nil
}

func (k *kittenSynth) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.session == nil {
		return nil
	}
	err := k.session.Destroy()
	k.session = nil
	return err
}

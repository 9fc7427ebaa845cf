package tts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-kitten/internal/config"
)

// NewLoader returns the Loader for the configured backend mode.
func NewLoader(cfg config.BackendConfig, log *slog.Logger) Loader {
	log = log.With(slog.String("component", "tts-loader"), slog.String("mode", cfg.Mode))
	return func(ctx context.Context) (Synthesizer, error) {
		start := time.Now()
		synth, err := load(ctx, cfg, log)
		if err != nil {
			log.Error("backend load failed", slogError(err))
			return nil, err
		}
		log.Info("backend ready", slog.Duration("elapsed", time.Since(start)))
		return synth, nil
	}
}

func load(ctx context.Context, cfg config.BackendConfig, log *slog.Logger) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		if cfg.LoadDelayMS > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrModelLoad, ctx.Err())
			case <-time.After(time.Duration(cfg.LoadDelayMS) * time.Millisecond):
			}
		}
		return NewMockSynth(cfg.SampleRate, 50*time.Millisecond), nil
	case "exec":
		synth, err := NewExecSynth(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
		}
		return synth, nil
	case "kitten":
		return openKitten(cfg, log)
	default:
		return nil, fmt.Errorf("%w: unknown backend mode %q", ErrModelLoad, cfg.Mode)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

//go:build !cgo

package tts

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-kitten/internal/config"
)

func openKitten(cfg config.BackendConfig, _ *slog.Logger) (Synthesizer, error) {
	if _, err := resolveBundle(cfg); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: kitten backend requires a cgo build", ErrModelLoad)
}

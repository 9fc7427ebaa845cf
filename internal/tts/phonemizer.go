package tts

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattn/go-shellwords"
)

// phonemizer turns text into the IPA symbols the kitten token table is keyed
// on. It runs an espeak-ng compatible command once per request with the text
// on stdin and reads phonemes from stdout, one clause per line.
type phonemizer struct {
	cmd []string
}

// newPhonemizer parses command and points it at dataDir with --path, which
// espeak-ng expects to be the directory holding espeak-ng-data.
func newPhonemizer(command, dataDir string) (*phonemizer, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse phonemizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("phonemizer command empty")
	}
	if dataDir != "" {
		args = append(args, "--path="+filepath.Dir(dataDir))
	}
	return &phonemizer{cmd: args}, nil
}

func (p *phonemizer) phonemize(ctx context.Context, text string) (string, error) {
	command := exec.CommandContext(ctx, p.cmd[0], p.cmd[1:]...)
	command.Stdin = strings.NewReader(text)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return "", fmt.Errorf("phonemizer failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.Join(strings.Fields(stdout.String()), " "), nil
}

// modelInput phonemizes text when p is set and encodes the result. A nil
// phonemizer feeds the text to the table as is.
func modelInput(ctx context.Context, p *phonemizer, tokens tokenTable, text string) ([]int64, error) {
	if p == nil {
		return tokens.encode(text), nil
	}
	phonemes, err := p.phonemize(ctx, text)
	if err != nil {
		return nil, err
	}
	return tokens.encode(phonemes), nil
}

package tts

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-kitten/internal/config"
)

// bundle is the resolved location of every kitten model asset.
type bundle struct {
	Model   string
	Voices  string
	Tokens  string
	DataDir string
}

func resolveBundle(cfg config.BackendConfig) (bundle, error) {
	b := bundle{
		Model:  filepath.Join(cfg.ModelDir, cfg.ModelFile),
		Voices: filepath.Join(cfg.ModelDir, cfg.VoicesFile),
		Tokens: filepath.Join(cfg.ModelDir, cfg.TokensFile),
	}
	required := []string{b.Model, b.Voices, b.Tokens}
	// Phoneme data is only needed when a phonemizer reads it.
	if cfg.Phonemizer != "" {
		b.DataDir = filepath.Join(cfg.ModelDir, cfg.DataDir)
		required = append(required, b.DataDir)
	}
	for _, path := range required {
		if _, err := os.Stat(path); err != nil {
			return bundle{}, fmt.Errorf("%w: %w: %s", ErrModelLoad, ErrBundleMissing, path)
		}
	}
	return b, nil
}

// tokenTable maps model input symbols to ids as listed in tokens.txt.
type tokenTable struct {
	ids map[rune]int64
	pad int64
}

// loadTokens reads "<symbol> <id>" lines. The symbol may itself be a space,
// so the id is always taken after the last separator.
func loadTokens(path string) (tokenTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return tokenTable{}, fmt.Errorf("%w: open tokens: %v", ErrModelLoad, err)
	}
	defer f.Close()

	table := tokenTable{ids: make(map[rune]int64)}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		idx := strings.LastIndexByte(line, ' ')
		if idx < 0 {
			return tokenTable{}, fmt.Errorf("%w: tokens line %d: missing id", ErrModelLoad, lineNo)
		}
		id, err := strconv.ParseInt(line[idx+1:], 10, 64)
		if err != nil {
			return tokenTable{}, fmt.Errorf("%w: tokens line %d: %v", ErrModelLoad, lineNo, err)
		}
		symbol := []rune(line[:idx])
		if len(symbol) == 0 {
			symbol = []rune{' '}
		}
		if len(symbol) != 1 {
			continue
		}
		table.ids[symbol[0]] = id
	}
	if err := scanner.Err(); err != nil {
		return tokenTable{}, fmt.Errorf("%w: read tokens: %v", ErrModelLoad, err)
	}
	if len(table.ids) == 0 {
		return tokenTable{}, fmt.Errorf("%w: tokens file %s is empty", ErrModelLoad, path)
	}
	if pad, ok := table.ids['$']; ok {
		table.pad = pad
	}
	return table, nil
}

// encode maps phonemes (or raw text when no phonemizer is configured) to
// model ids padded on both ends. Symbols the table does not know are
// skipped; input without any known symbol yields nil.
func (t tokenTable) encode(text string) []int64 {
	ids := []int64{t.pad}
	known := 0
	for _, r := range strings.ToLower(text) {
		if unicode.IsSpace(r) {
			r = ' '
		}
		id, ok := t.ids[r]
		if !ok {
			continue
		}
		ids = append(ids, id)
		if r != ' ' {
			known++
		}
	}
	if known == 0 {
		return nil
	}
	return append(ids, t.pad)
}

// loadVoiceTable splits a raw little-endian float32 file into count
// equally sized style vectors.
func loadVoiceTable(path string, count int) ([][]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read voices: %v", ErrModelLoad, err)
	}
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: voices file has %d bytes, not a float32 table", ErrModelLoad, len(data))
	}
	values := len(data) / 4
	if count <= 0 || values%count != 0 {
		return nil, fmt.Errorf("%w: %d floats cannot hold %d voices", ErrModelLoad, values, count)
	}
	dim := values / count
	voices := make([][]float32, count)
	for v := range voices {
		style := make([]float32, dim)
		for i := range style {
			off := (v*dim + i) * 4
			style[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		}
		voices[v] = style
	}
	return voices, nil
}

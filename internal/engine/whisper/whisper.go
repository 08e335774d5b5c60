// Package whisper transcribes chunks with the openai-whisper command line.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jo-hoe/chunkscribe/internal/command"
	"github.com/jo-hoe/chunkscribe/internal/config"
	"github.com/jo-hoe/chunkscribe/internal/engine"
)

var _ engine.Engine = (*Client)(nil)

// preset holds decoding parameters tuned per language.
type preset struct {
	Temperature float64
	BeamSize    int
	BestOf      int
	Patience    float64
}

var presets = map[string]preset{
	"ko": {Temperature: 0.2, BeamSize: 5, BestOf: 3, Patience: 2.0},
	"en": {Temperature: 0.3, BeamSize: 5, BestOf: 3, Patience: 1.5},
}

var defaultPreset = preset{Temperature: 0.25, BeamSize: 3, BestOf: 2, Patience: 1.8}

func presetFor(lang string) preset {
	if p, ok := presets[lang]; ok {
		return p
	}
	return defaultPreset
}

// Client shells out to "python -m whisper".
type Client struct {
	python  string
	model   string
	device  string
	timeout time.Duration
	runner  command.Runner
	tempDir string
}

// New creates a whisper engine from settings.
func New(cfg config.WhisperSettings) *Client {
	return NewWithRunner(cfg, command.ExecRunner{}, "")
}

// NewWithRunner injects the process runner and the parent directory for output dirs.
func NewWithRunner(cfg config.WhisperSettings, runner command.Runner, tempDir string) *Client {
	return &Client{
		python:  cfg.Python,
		model:   cfg.Model,
		device:  cfg.Device,
		timeout: cfg.Timeout,
		runner:  runner,
		tempDir: tempDir,
	}
}

func (c *Client) Transcribe(ctx context.Context, path, language string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("stat chunk: %w", err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	outDir, err := os.MkdirTemp(c.tempDir, "whisper-")
	if err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(outDir) }()

	lang := engine.NormalizeLanguage(language)
	res, err := c.runner.Run(ctx, c.python, c.args(path, outDir, lang)...)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("whisper exit %d: %s: %w", res.ExitCode, command.Tail(res.Stderr, 400), err)
	}

	text, err := readTranscript(outDir, path)
	if err != nil {
		return "", err
	}
	return text, nil
}

func (c *Client) args(path, outDir, lang string) []string {
	p := presetFor(lang)
	args := []string{
		"-m", "whisper", path,
		"--model", c.model,
		"--output_format", "txt",
		"--output_dir", outDir,
		"--temperature", strconv.FormatFloat(p.Temperature, 'f', -1, 64),
		"--beam_size", strconv.Itoa(p.BeamSize),
		"--best_of", strconv.Itoa(p.BestOf),
		"--patience", strconv.FormatFloat(p.Patience, 'f', -1, 64),
		"--verbose", "False",
	}
	if lang != "" {
		args = append(args, "--language", lang)
	}
	if c.device != "" {
		args = append(args, "--device", c.device)
	}
	return args
}

// readTranscript reads "<base>.txt", falling back to the first .txt whisper wrote.
func readTranscript(outDir, chunkPath string) (string, error) {
	base := strings.TrimSuffix(filepath.Base(chunkPath), filepath.Ext(chunkPath))
	data, err := os.ReadFile(filepath.Join(outDir, base+".txt")) // #nosec G304 - path built from our temp dir
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	entries, derr := os.ReadDir(outDir)
	if derr != nil {
		return "", fmt.Errorf("list output dir: %w", derr)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".txt") {
			data, err := os.ReadFile(filepath.Join(outDir, e.Name())) // #nosec G304 - path built from our temp dir
			if err != nil {
				return "", fmt.Errorf("read transcript: %w", err)
			}
			return strings.TrimSpace(string(data)), nil
		}
	}
	return "", errors.New("whisper produced no transcript")
}

package whisper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/chunkscribe/internal/command"
	"github.com/jo-hoe/chunkscribe/internal/config"
)

type fakeRunner struct {
	run func(ctx context.Context, name string, args ...string) (command.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (command.Result, error) {
	if f.run == nil {
		return command.Result{}, nil
	}
	return f.run(ctx, name, args...)
}

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func settings() config.WhisperSettings {
	return config.WhisperSettings{Python: "python-x", Model: "small"}
}

func writeChunk(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "chunk_003.wav")
	require.NoError(t, os.WriteFile(p, []byte("audio"), 0o600))
	return p
}

func TestWhisper_KoreanPresetAndTranscript(t *testing.T) {
	chunk := writeChunk(t)
	var gotArgs []string
	runner := &fakeRunner{run: func(_ context.Context, name string, args ...string) (command.Result, error) {
		assert.Equal(t, "python-x", name)
		gotArgs = append([]string{}, args...)
		out := argValue(args, "--output_dir")
		require.NoError(t, os.WriteFile(filepath.Join(out, "chunk_003.txt"), []byte("  annyeong \n"), 0o600))
		return command.Result{}, nil
	}}

	c := NewWithRunner(settings(), runner, t.TempDir())
	text, err := c.Transcribe(context.Background(), chunk, "ko")
	require.NoError(t, err)
	assert.Equal(t, "annyeong", text)

	assert.Equal(t, "ko", argValue(gotArgs, "--language"))
	assert.Equal(t, "0.2", argValue(gotArgs, "--temperature"))
	assert.Equal(t, "5", argValue(gotArgs, "--beam_size"))
	assert.Equal(t, "3", argValue(gotArgs, "--best_of"))
	assert.Equal(t, "2", argValue(gotArgs, "--patience"))
	assert.Equal(t, "small", argValue(gotArgs, "--model"))
	assert.Equal(t, "txt", argValue(gotArgs, "--output_format"))
}

func TestWhisper_AutoOmitsLanguageAndFallsBackToAnyTxt(t *testing.T) {
	chunk := writeChunk(t)
	var gotArgs []string
	runner := &fakeRunner{run: func(_ context.Context, _ string, args ...string) (command.Result, error) {
		gotArgs = append([]string{}, args...)
		out := argValue(args, "--output_dir")
		require.NoError(t, os.WriteFile(filepath.Join(out, "renamed.txt"), []byte("hello"), 0o600))
		return command.Result{}, nil
	}}

	text, err := NewWithRunner(settings(), runner, t.TempDir()).Transcribe(context.Background(), chunk, "auto")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.NotContains(t, gotArgs, "--language")
	assert.Equal(t, "0.25", argValue(gotArgs, "--temperature"))
	assert.Equal(t, "1.8", argValue(gotArgs, "--patience"))
}

func TestWhisper_UnknownLanguageUsesDefaultPreset(t *testing.T) {
	p := presetFor("de")
	assert.Equal(t, defaultPreset, p)
	assert.Equal(t, defaultPreset, presetFor(""))
	assert.Len(t, presets, 2)
	assert.Equal(t, 0.3, presetFor("en").Temperature)
}

func TestWhisper_CommandFailure(t *testing.T) {
	chunk := writeChunk(t)
	runner := &fakeRunner{run: func(context.Context, string, ...string) (command.Result, error) {
		return command.Result{Stderr: "CUDA out of memory", ExitCode: 1}, errors.New("exit status 1")
	}}
	_, err := NewWithRunner(settings(), runner, t.TempDir()).Transcribe(context.Background(), chunk, "en")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestWhisper_NoTranscript(t *testing.T) {
	chunk := writeChunk(t)
	_, err := NewWithRunner(settings(), &fakeRunner{}, t.TempDir()).Transcribe(context.Background(), chunk, "en")
	assert.Error(t, err)
}

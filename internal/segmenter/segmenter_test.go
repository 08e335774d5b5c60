package segmenter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/chunkscribe/internal/command"
)

// fakeRunner simulates ffmpeg.
type fakeRunner struct {
	run func(ctx context.Context, name string, args ...string) (command.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (command.Result, error) {
	if f.run == nil {
		return command.Result{}, nil
	}
	return f.run(ctx, name, args...)
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func TestFFmpeg_SegmentOrdersChunksNumerically(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "talk.mp3")
	mustWriteFile(t, src, "audio")
	out := filepath.Join(root, "chunks")

	var gotArgs []string
	runner := &fakeRunner{run: func(_ context.Context, name string, args ...string) (command.Result, error) {
		assert.Equal(t, "ffmpeg-custom", name)
		gotArgs = append([]string{}, args...)
		// write out of order, plus noise ffmpeg would never produce
		for _, n := range []string{"chunk_010.mp3", "chunk_002.mp3", "chunk_000.mp3", "chunk_001.mp3", "notes.txt", "chunk_x.mp3"} {
			mustWriteFile(t, filepath.Join(out, n), "c")
		}
		return command.Result{}, nil
	}}

	seg := NewFFmpegWithRunner("ffmpeg-custom", runner)
	paths, err := seg.Segment(context.Background(), src, out, 90)
	require.NoError(t, err)

	want := []string{
		filepath.Join(out, "chunk_000.mp3"),
		filepath.Join(out, "chunk_001.mp3"),
		filepath.Join(out, "chunk_002.mp3"),
		filepath.Join(out, "chunk_010.mp3"),
	}
	assert.Equal(t, want, paths)
	assert.Equal(t, "90", argValue(gotArgs, "-segment_time"))
	assert.Equal(t, "segment", argValue(gotArgs, "-f"))
	assert.Equal(t, src, argValue(gotArgs, "-i"))
	assert.Equal(t, filepath.Join(out, "chunk_%03d.mp3"), gotArgs[len(gotArgs)-1])
}

func TestFFmpeg_CommandFailureIsStageError(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "talk.wav")
	mustWriteFile(t, src, "audio")

	runner := &fakeRunner{run: func(context.Context, string, ...string) (command.Result, error) {
		return command.Result{Stderr: "Invalid data found", ExitCode: 1}, errors.New("exit status 1")
	}}
	_, err := NewFFmpegWithRunner("", runner).Segment(context.Background(), src, filepath.Join(root, "c"), 30)
	require.Error(t, err)

	var segErr *Error
	require.ErrorAs(t, err, &segErr)
	assert.Equal(t, StageSegment, segErr.Stage)
	assert.Equal(t, 1, segErr.ExitCode)
	assert.Contains(t, err.Error(), "Invalid data found")
	assert.Contains(t, err.Error(), "cmd=ffmpeg")
}

func TestFFmpeg_NoOutputIsError(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "talk.wav")
	mustWriteFile(t, src, "audio")

	_, err := NewFFmpegWithRunner("ffmpeg", &fakeRunner{}).Segment(context.Background(), src, filepath.Join(root, "c"), 30)
	assert.ErrorIs(t, err, ErrNoChunks)
}

func TestFFmpeg_MissingSource(t *testing.T) {
	_, err := NewFFmpegWithRunner("ffmpeg", &fakeRunner{}).Segment(context.Background(), "/nope/missing.wav", t.TempDir(), 30)
	var segErr *Error
	require.ErrorAs(t, err, &segErr)
	assert.Equal(t, StagePrepare, segErr.Stage)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// Package segmenter cuts a source audio file into ordered, time-bounded chunk files.
package segmenter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jo-hoe/chunkscribe/internal/command"
)

// Segmenter splits sourcePath into chunks of chunkSeconds inside outDir and returns their paths in order.
type Segmenter interface {
	Segment(ctx context.Context, sourcePath, outDir string, chunkSeconds int) ([]string, error)
}

// Stages reported in Error.
const (
	StagePrepare = "prepare"
	StageSegment = "segment"
	StageCollect = "collect"
)

// ErrNoChunks is returned when the tool succeeded but produced nothing.
var ErrNoChunks = errors.New("no chunks produced")

// Error is a stage-aware segmentation failure with optional command context.
type Error struct {
	Stage    string
	Message  string
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Command == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s (cmd=%s exit=%d)", e.Stage, e.Message, e.Command, e.ExitCode)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// FFmpeg segments with the ffmpeg segment muxer.
type FFmpeg struct {
	path   string
	runner command.Runner
}

var _ Segmenter = (*FFmpeg)(nil)

// NewFFmpeg returns a segmenter calling the ffmpeg binary at path.
func NewFFmpeg(path string) *FFmpeg {
	return NewFFmpegWithRunner(path, command.ExecRunner{})
}

// NewFFmpegWithRunner injects the process runner.
func NewFFmpegWithRunner(path string, runner command.Runner) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{path: path, runner: runner}
}

const chunkPrefix = "chunk_"

func (f *FFmpeg) Segment(ctx context.Context, sourcePath, outDir string, chunkSeconds int) ([]string, error) {
	if chunkSeconds <= 0 {
		return nil, &Error{Stage: StagePrepare, Message: fmt.Sprintf("invalid chunk duration %d", chunkSeconds)}
	}
	if _, err := os.Stat(sourcePath); err != nil {
		return nil, &Error{Stage: StagePrepare, Message: "source not readable", Err: err}
	}
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, &Error{Stage: StagePrepare, Message: "create chunk dir", Err: err}
	}

	ext := strings.ToLower(filepath.Ext(sourcePath))
	if ext == "" {
		ext = ".wav"
	}
	pattern := filepath.Join(outDir, chunkPrefix+"%03d"+ext)
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", sourcePath,
		"-f", "segment",
		"-segment_time", strconv.Itoa(chunkSeconds),
		"-reset_timestamps", "1",
		"-c", "copy",
		pattern,
	}
	res, err := f.runner.Run(ctx, f.path, args...)
	if err != nil {
		return nil, &Error{
			Stage:    StageSegment,
			Message:  "ffmpeg failed: " + command.Tail(res.Stderr, 400),
			Command:  f.path,
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
			Err:      err,
		}
	}

	paths, err := collect(outDir, ext)
	if err != nil {
		return nil, &Error{Stage: StageCollect, Message: "list chunks", Err: err}
	}
	if len(paths) == 0 {
		return nil, &Error{Stage: StageCollect, Message: ErrNoChunks.Error(), Err: ErrNoChunks}
	}
	return paths, nil
}

// collect lists chunk files sorted by their numeric index.
func collect(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type numbered struct {
		n    int
		path string
	}
	var found []numbered
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, chunkPrefix) || !strings.EqualFold(filepath.Ext(name), ext) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, chunkPrefix), filepath.Ext(name)))
		if err != nil {
			continue
		}
		found = append(found, numbered{n: n, path: filepath.Join(dir, name)})
	}
	sort.Slice(found, func(a, b int) bool { return found[a].n < found[b].n })
	out := make([]string, len(found))
	for i, f := range found {
		out[i] = f.path
	}
	return out, nil
}

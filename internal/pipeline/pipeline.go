// Package pipeline accepts uploads and drives each job from Pending through
// segmentation and dispatch until it is Processing or Failed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/jo-hoe/chunkscribe/internal/common"
	"github.com/jo-hoe/chunkscribe/internal/jobs"
	"github.com/jo-hoe/chunkscribe/internal/planner"
	"github.com/jo-hoe/chunkscribe/internal/segmenter"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("pipeline closed")

// Upload is a stored audio file awaiting transcription.
type Upload struct {
	Path        string
	Filename    string
	MimeType    string
	Size        int64
	Language    string // "auto" when empty
	CallbackURL string // optional
}

// Dispatcher submits a job's chunk files to the work queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID, language string, paths []string) (int, error)
}

// Cleaner removes a finished job's files some time after it reaches a terminal state.
type Cleaner interface {
	ScheduleCleanup(job jobs.Job)
}

// Config tunes planning and where chunk directories live.
type Config struct {
	BytesPerSecond        int64
	MaxChunks             int
	SecondsPerAudioMinute float64
	WorkRoot              string // each job gets WorkRoot/<jobId>
}

// Pipeline owns the submission path of every job.
type Pipeline struct {
	log     *slog.Logger
	jobs    jobs.Store
	seg     segmenter.Segmenter
	disp    Dispatcher
	cleaner Cleaner
	cfg     Config
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// New returns a Pipeline that segments uploads with seg and hands chunks to disp.
func New(log *slog.Logger, js jobs.Store, seg segmenter.Segmenter, disp Dispatcher, cleaner Cleaner, cfg Config) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		log:     log.With("component", "pipeline"),
		jobs:    js,
		seg:     seg,
		disp:    disp,
		cleaner: cleaner,
		cfg:     cfg,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit registers a Pending job and returns it immediately. Segmentation and
// dispatch continue in the background.
func (p *Pipeline) Submit(ctx context.Context, up Upload) (jobs.Job, error) {
	if err := ctx.Err(); err != nil {
		return jobs.Job{}, err
	}
	if strings.TrimSpace(up.Path) == "" {
		return jobs.Job{}, errors.New("upload path is required")
	}
	if up.Size <= 0 {
		return jobs.Job{}, errors.New("upload is empty")
	}
	lang := strings.TrimSpace(up.Language)
	if lang == "" {
		lang = common.DefaultLanguage
	}

	plan := planner.PlanForSize(up.Size, p.cfg.BytesPerSecond, p.cfg.MaxChunks)
	id := uuid.NewString()
	job := &jobs.Job{
		ID:     id,
		Status: jobs.StatusPending,
		Source: jobs.SourceMeta{
			Filename: up.Filename,
			MimeType: up.MimeType,
			Size:     up.Size,
			Language: lang,
		},
		SourcePath:       up.Path,
		WorkDir:          filepath.Join(p.cfg.WorkRoot, id),
		EstimatedSeconds: plan.EstimatedSeconds,
		ChunkSeconds:     plan.ChunkSeconds,
		CreatedAt:        p.now().UTC(),
	}
	if cb := strings.TrimSpace(up.CallbackURL); cb != "" {
		job.CallbackURL = &cb
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return jobs.Job{}, ErrClosed
	}
	if err := p.jobs.Create(job); err != nil {
		return jobs.Job{}, fmt.Errorf("create job: %w", err)
	}
	created, err := p.jobs.Get(id)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("load job: %w", err)
	}

	p.log.Info("job submitted",
		"job_id", id,
		"file", up.Filename,
		"size", humanize.IBytes(uint64(up.Size)),
		"estimated_seconds", int(plan.EstimatedSeconds),
		"chunk_seconds", plan.ChunkSeconds,
		"estimated_chunks", plan.ChunkCount,
	)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(p.ctx, created)
	}()
	return created, nil
}

// run segments and dispatches one job, then confirms it as Processing.
func (p *Pipeline) run(ctx context.Context, job jobs.Job) {
	log := p.log.With("job_id", job.ID)

	if err := os.MkdirAll(job.WorkDir, 0o750); err != nil {
		p.fail(job, fmt.Sprintf("segmentation failed: create work dir: %v", err))
		return
	}

	paths, chunkSeconds, err := p.segment(ctx, job)
	if err != nil {
		log.Error("segmentation failed", "err", err)
		p.fail(job, fmt.Sprintf("segmentation failed: %v", err))
		return
	}

	n, err := p.disp.Dispatch(ctx, job.ID, job.Source.Language, paths)
	if err != nil {
		log.Error("dispatch failed", "submitted", n, "total", len(paths), "err", err)
		p.fail(job, fmt.Sprintf("dispatch failed: %v", err))
		return
	}

	started := p.now().UTC()
	confirmed, err := p.jobs.TryTransition(job.ID, jobs.StatusPending, jobs.StatusProcessing, func(j *jobs.Job) error {
		j.ExpectedChunks = n
		j.ChunkSeconds = chunkSeconds
		j.StartedAt = &started
		return nil
	})
	if err != nil {
		// The job may have been swept while segmenting; dispatched chunks will expire unread.
		log.Warn("confirm dispatch", "err", err)
		return
	}
	log.Info("job processing",
		"chunks", confirmed.ExpectedChunks,
		"chunk_seconds", confirmed.ChunkSeconds,
		"eta", p.EstimatedProcessingTime(confirmed).Round(time.Second),
	)
}

// segment splits the source, widening the chunk duration once when the
// byte-size estimate undershot and the output exceeds MaxChunks.
func (p *Pipeline) segment(ctx context.Context, job jobs.Job) ([]string, int, error) {
	chunkSeconds := job.ChunkSeconds
	paths, err := p.seg.Segment(ctx, job.SourcePath, job.WorkDir, chunkSeconds)
	if err != nil {
		return nil, 0, err
	}
	if p.cfg.MaxChunks <= 0 || len(paths) <= p.cfg.MaxChunks {
		return paths, chunkSeconds, nil
	}

	widened := int(math.Ceil(float64(len(paths)*chunkSeconds) / float64(p.cfg.MaxChunks)))
	p.log.Warn("chunk count over cap, re-segmenting",
		"job_id", job.ID, "chunks", len(paths), "max", p.cfg.MaxChunks, "chunk_seconds", widened)
	if err := resetDir(job.WorkDir); err != nil {
		return nil, 0, fmt.Errorf("reset work dir: %w", err)
	}
	paths, err = p.seg.Segment(ctx, job.SourcePath, job.WorkDir, widened)
	if err != nil {
		return nil, 0, err
	}
	return paths, widened, nil
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o750)
}

// fail moves a job that never reached Processing to Failed and schedules cleanup.
func (p *Pipeline) fail(job jobs.Job, reason string) {
	now := p.now().UTC()
	failed, err := p.jobs.TryTransition(job.ID, jobs.StatusPending, jobs.StatusFailed, func(j *jobs.Job) error {
		j.Error = &reason
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		p.log.Warn("mark job failed", "job_id", job.ID, "err", err)
		failed = job
	}
	if p.cleaner != nil {
		p.cleaner.ScheduleCleanup(failed)
	}
}

// EstimatedProcessingTime predicts how long the job's chunks take to transcribe.
func (p *Pipeline) EstimatedProcessingTime(job jobs.Job) time.Duration {
	return planner.EstimateProcessingTime(job.EstimatedSeconds, job.Source.Size, p.cfg.SecondsPerAudioMinute)
}

// Progress returns a best-effort percentage for the job at now.
// Processing jobs never report more than 95 until they complete.
func (p *Pipeline) Progress(job jobs.Job, now time.Time) int {
	switch job.Status {
	case jobs.StatusCompleted:
		return 100
	case jobs.StatusProcessing:
	default:
		return 0
	}
	if job.StartedAt == nil {
		return 0
	}
	est := p.EstimatedProcessingTime(job)
	if est <= 0 {
		return 0
	}
	pct := int(now.Sub(*job.StartedAt) * 100 / est)
	return max(0, min(95, pct))
}

// Wait blocks until all in-flight submissions have settled.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close rejects new submissions, cancels in-flight segmentation and waits for it to settle.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

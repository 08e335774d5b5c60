// Package notify posts a job's outcome to its callback URL once it is terminal.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jo-hoe/chunkscribe/internal/common"
	"github.com/jo-hoe/chunkscribe/internal/jobs"
)

// Payload is the callback request body.
type Payload struct {
	JobID       string   `json:"job_id"`
	Status      string   `json:"status"` // completed|failed
	Transcript  *string  `json:"transcript,omitempty"`
	Error       *string  `json:"error,omitempty"`
	SuccessRate *float64 `json:"success_rate"`
}

// Callbacks sends completion callbacks in the background.
type Callbacks struct {
	log     *slog.Logger
	client  *http.Client
	retries int
	backoff time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// New returns Callbacks posting with client, retrying with a linearly growing backoff.
func New(log *slog.Logger, client *http.Client, retries int, backoff time.Duration) *Callbacks {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if retries <= 0 {
		retries = 3
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Callbacks{
		log:     log.With("component", "notify"),
		client:  client,
		retries: retries,
		backoff: backoff,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnJob is a jobs.Listener. Terminal jobs with a callback URL are posted asynchronously.
func (c *Callbacks) OnJob(job jobs.Job) {
	if !job.Status.Terminal() || job.CallbackURL == nil || *job.CallbackURL == "" {
		return
	}
	url := *job.CallbackURL
	payload := PayloadFor(job)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.log.Warn("callback dropped after close", "job_id", job.ID)
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.sendWithRetry(c.ctx, url, payload); err != nil {
			c.log.Warn("callback failed after retries", "job_id", job.ID, "err", err)
			return
		}
		c.log.Debug("callback delivered", "job_id", job.ID)
	}()
}

// PayloadFor builds the callback body for a terminal job.
func PayloadFor(job jobs.Job) Payload {
	status := common.StatusCompleted
	if job.Status == jobs.StatusFailed {
		status = common.StatusFailed
	}
	rate := 0.0
	if job.SuccessRate != nil {
		rate = *job.SuccessRate
	}
	return Payload{
		JobID:       job.ID,
		Status:      status,
		Transcript:  job.Transcript,
		Error:       job.Error,
		SuccessRate: &rate,
	}
}

func (c *Callbacks) sendWithRetry(ctx context.Context, url string, payload Payload) error {
	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		err := c.postJSON(ctx, url, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		if attempt == c.retries {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * c.backoff):
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		}
	}
	return lastErr
}

func (c *Callbacks) postJSON(ctx context.Context, url string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", common.ContentTypeJSON)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback status %d", resp.StatusCode)
	}
	return nil
}

// Close waits for in-flight callbacks until ctx expires, then abandons them.
func (c *Callbacks) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return fmt.Errorf("callbacks still pending: %w", ctx.Err())
	}
}

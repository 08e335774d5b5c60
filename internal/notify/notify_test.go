package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/chunkscribe/internal/jobs"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCallbacks_PostsTerminalJobOnce(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() { _ = r.Body.Close() }()
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cb := New(quietLogger(), srv.Client(), 2, 10*time.Millisecond)
	store := jobs.NewMemoryStore()
	store.Subscribe(cb.OnJob)

	url := srv.URL
	require.NoError(t, store.Create(&jobs.Job{ID: "job-1", CallbackURL: &url}))
	_, err := store.TryTransition("job-1", jobs.StatusPending, jobs.StatusProcessing, func(j *jobs.Job) error {
		j.ExpectedChunks = 2
		return nil
	})
	require.NoError(t, err)
	text := "hello there"
	rate := 0.5
	msg := "1 of 2 chunks failed"
	_, err = store.TryTransition("job-1", jobs.StatusProcessing, jobs.StatusCompleted, func(j *jobs.Job) error {
		j.Transcript = &text
		j.SuccessRate = &rate
		j.Error = &msg
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, cb.Close(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1, "only the terminal transition triggers a callback")
	assert.Equal(t, "job-1", bodies[0]["job_id"])
	assert.Equal(t, "completed", bodies[0]["status"])
	assert.Equal(t, text, bodies[0]["transcript"])
	assert.Equal(t, msg, bodies[0]["error"])
	assert.Equal(t, 0.5, bodies[0]["success_rate"])
}

func TestCallbacks_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cb := New(quietLogger(), srv.Client(), 3, 5*time.Millisecond)
	url := srv.URL
	reason := "segmentation failed: bad file"
	cb.OnJob(jobs.Job{ID: "job-1", Status: jobs.StatusFailed, CallbackURL: &url, Error: &reason})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, cb.Close(ctx))
	assert.Equal(t, int32(3), calls.Load())
}

func TestCallbacks_IgnoresJobsWithoutCallback(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	cb := New(quietLogger(), srv.Client(), 1, time.Millisecond)
	cb.OnJob(jobs.Job{ID: "job-1", Status: jobs.StatusCompleted})
	url := srv.URL
	cb.OnJob(jobs.Job{ID: "job-2", Status: jobs.StatusProcessing, CallbackURL: &url})
	require.NoError(t, cb.Close(context.Background()))
	assert.Zero(t, calls.Load())
}

func TestCallbacks_OnJobAfterCloseSendsNothing(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	cb := New(quietLogger(), srv.Client(), 1, time.Millisecond)
	url := srv.URL
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.OnJob(jobs.Job{ID: "job-1", Status: jobs.StatusCompleted, CallbackURL: &url})
		}()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, cb.Close(ctx))
	wg.Wait()
	sent := calls.Load()

	cb.OnJob(jobs.Job{ID: "job-2", Status: jobs.StatusFailed, CallbackURL: &url})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, sent, calls.Load())
}

func TestPayloadFor_FailedJob(t *testing.T) {
	reason := "dispatch failed: queue closed"
	p := PayloadFor(jobs.Job{ID: "j", Status: jobs.StatusFailed, Error: &reason})
	assert.Equal(t, "failed", p.Status)
	assert.Nil(t, p.Transcript)
	require.NotNil(t, p.SuccessRate)
	assert.Zero(t, *p.SuccessRate)
}

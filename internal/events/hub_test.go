package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/chunkscribe/internal/jobs"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHub_SnapshotThenUpdates(t *testing.T) {
	store := jobs.NewMemoryStore()
	require.NoError(t, store.Create(&jobs.Job{ID: "job-1"}))

	hub := NewHub(quietLogger(), store.List)
	hub.Start()
	defer hub.Close()
	store.Subscribe(hub.Publish)

	srv := httptest.NewServer(hub)
	defer srv.Close()
	conn := dial(t, srv)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snap Snapshot
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "initial_jobs", snap.Type)
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, "job-1", snap.Jobs[0].JobID)
	assert.Equal(t, jobs.StatusPending, snap.Jobs[0].Status)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	reason := "segmentation failed: boom"
	_, err := store.TryTransition("job-1", jobs.StatusPending, jobs.StatusFailed, func(j *jobs.Job) error {
		j.Error = &reason
		return nil
	})
	require.NoError(t, err)

	var up Update
	require.NoError(t, conn.ReadJSON(&up))
	assert.Equal(t, "job_update", up.Type)
	assert.Equal(t, "job-1", up.JobID)
	assert.Equal(t, jobs.StatusFailed, up.Status)
	assert.Equal(t, reason, up.Error)
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	hub := NewHub(quietLogger(), nil)
	hub.Start()
	defer hub.Close()

	srv := httptest.NewServer(hub)
	defer srv.Close()
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	_ = conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	hub := NewHub(quietLogger(), nil) // loop not started: nothing drains the buffer
	done := make(chan struct{})
	go func() {
		for i := 0; i < publishBuffer*2; i++ {
			hub.Publish(jobs.Job{ID: "job", Status: jobs.StatusProcessing})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked")
	}
}

func TestNewUpdate(t *testing.T) {
	rate := 0.5
	msg := "1 of 2 chunks failed"
	u := NewUpdate(jobs.Job{ID: "j", Status: jobs.StatusCompleted, ExpectedChunks: 2, SuccessRate: &rate, Error: &msg})
	data, err := json.Marshal(u)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"success_rate":0.5`)
	assert.Contains(t, string(data), `"expected_chunks":2`)
	assert.Contains(t, string(data), `"error":"1 of 2 chunks failed"`)
}

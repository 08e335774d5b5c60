package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/chunkscribe/internal/aggregator"
	"github.com/jo-hoe/chunkscribe/internal/chunks"
	"github.com/jo-hoe/chunkscribe/internal/common"
	"github.com/jo-hoe/chunkscribe/internal/config"
	"github.com/jo-hoe/chunkscribe/internal/dispatch"
	"github.com/jo-hoe/chunkscribe/internal/jobs"
	"github.com/jo-hoe/chunkscribe/internal/kv"
	"github.com/jo-hoe/chunkscribe/internal/pipeline"
	"github.com/jo-hoe/chunkscribe/internal/queue"
	"github.com/jo-hoe/chunkscribe/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fixedSegmenter writes n placeholder chunk files.
type fixedSegmenter struct{ n int }

func (s fixedSegmenter) Segment(_ context.Context, _ string, outDir string, _ int) ([]string, error) {
	out := make([]string, 0, s.n)
	for i := 0; i < s.n; i++ {
		p := filepath.Join(outDir, fmt.Sprintf("chunk_%03d.mp3", i))
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type harness struct {
	svc   *Service
	srv   *httptest.Server
	jobs  *jobs.MemoryStore
	store *kv.MemoryStore
	queue *queue.MemoryQueue
	agg   *aggregator.Aggregator
	pipe  *pipeline.Pipeline
}

func newHarness(t *testing.T, apiKey string) *harness {
	t.Helper()
	dir := t.TempDir()
	log := discardLogger()
	cfg := &config.Config{
		Server: config.ServerConfig{
			MaxUploadSize: config.ByteSize(1 << 20),
			StorageDir:    dir,
			APIKey:        apiKey,
		},
	}

	h := &harness{
		jobs:  jobs.NewMemoryStore(),
		store: kv.NewMemoryStore(),
		queue: queue.NewMemoryQueue(queue.DefaultPolicy()),
	}
	h.agg = aggregator.New(log, h.jobs, h.store, aggregator.Config{StallThreshold: time.Minute})
	h.agg.SetCleanup(func(jobs.Job) {})
	disp := dispatch.New(log, h.queue, config.DispatchConfig{BasePriority: 10})
	h.pipe = pipeline.New(log, h.jobs, fixedSegmenter{n: 2}, disp, h.agg, pipeline.Config{
		BytesPerSecond:        16000,
		MaxChunks:             30,
		SecondsPerAudioMinute: 20,
		WorkRoot:              filepath.Join(dir, "chunks"),
	})
	t.Cleanup(h.pipe.Close)

	h.svc = &Service{
		Log:        log,
		Cfg:        cfg,
		Jobs:       h.jobs,
		Pipeline:   h.pipe,
		Aggregator: h.agg,
		Queue:      h.queue,
		Uploader:   storage.NewUploader(dir),
	}
	h.srv = httptest.NewServer(NewHTTPServer(h.svc).Handler)
	t.Cleanup(h.srv.Close)
	return h
}

func multipartBody(t *testing.T, filename, contentType string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	if filename != "" {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
		hdr.Set("Content-Type", contentType)
		fw, err := w.CreatePart(hdr)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &b, w.FormDataContentType()
}

func (h *harness) do(t *testing.T, method, path string, body io.Reader, contentType, apiKey string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if apiKey != "" {
		req.Header.Set(common.HeaderAPIKey, apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, "")
	resp := h.do(t, http.MethodGet, common.PathHealthz, nil, "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	decode(t, resp, &out)
	assert.Equal(t, "ok", out["status"])
}

func TestCreateTranscription_FullLifecycle(t *testing.T) {
	h := newHarness(t, "")
	body, ct := multipartBody(t, "talk.mp3", "audio/mpeg", bytes.Repeat([]byte("a"), 32000), map[string]string{"language": "en"})

	resp := h.do(t, http.MethodPost, common.PathTranscriptions, body, ct, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created map[string]string
	decode(t, resp, &created)
	jobID := created["jobId"]
	require.NotEmpty(t, jobID)
	assert.Equal(t, "processing", created["status"])
	assert.Equal(t, common.PathTranscriptions+"/"+jobID, created["statusUrl"])

	h.pipe.Wait()
	stats, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Waiting+stats.Delayed)

	resp = h.do(t, http.MethodGet, common.PathTranscriptions+"/"+jobID, nil, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]any
	decode(t, resp, &status)
	assert.Equal(t, "processing", status["status"])
	assert.Equal(t, "en", status["language"])
	assert.EqualValues(t, 2, status["expectedChunks"])
	assert.Nil(t, status["transcript"])

	// one chunk done: breakdown shows one pending
	pub := chunks.NewPublisher(h.store, time.Hour, 2*time.Hour)
	ctx := context.Background()
	require.NoError(t, pub.Completed(ctx, chunks.Task{JobID: jobID, ChunkIndex: 1, ChunkPath: "p", TotalChunks: 2}, "world", "w1", 1))

	resp = h.do(t, http.MethodGet, common.PathTranscriptions+"/"+jobID+"/chunks", nil, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var breakdown struct {
		Status    string `json:"status"`
		Completed []int  `json:"completed"`
		Pending   []int  `json:"pending"`
		Chunks    []struct {
			Index  int    `json:"index"`
			State  string `json:"state"`
			Worker string `json:"worker"`
		} `json:"chunks"`
	}
	decode(t, resp, &breakdown)
	assert.Equal(t, []int{1}, breakdown.Completed)
	assert.Equal(t, []int{0}, breakdown.Pending)
	require.Len(t, breakdown.Chunks, 2)
	assert.Equal(t, "w1", breakdown.Chunks[1].Worker)

	require.NoError(t, pub.Completed(ctx, chunks.Task{JobID: jobID, ChunkIndex: 0, ChunkPath: "p", TotalChunks: 2}, "hello", "w2", 1))
	_, err = h.agg.Cycle(ctx)
	require.NoError(t, err)

	resp = h.do(t, http.MethodGet, common.PathTranscriptions+"/"+jobID, nil, "", "")
	status = map[string]any{}
	decode(t, resp, &status)
	assert.Equal(t, "completed", status["status"])
	assert.Equal(t, "hello world", status["transcript"])
	assert.EqualValues(t, 100, status["progress"])
	assert.EqualValues(t, 1, status["successRate"])
	assert.Nil(t, status["error"])
}

func TestCreateTranscription_Validation(t *testing.T) {
	h := newHarness(t, "")

	body, ct := multipartBody(t, "", "", nil, map[string]string{"language": "en"})
	resp := h.do(t, http.MethodPost, common.PathTranscriptions, body, ct, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing file")

	body, ct = multipartBody(t, "photo.png", "image/png", []byte("png"), nil)
	resp = h.do(t, http.MethodPost, common.PathTranscriptions, body, ct, "")
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	body, ct = multipartBody(t, "a.mp3", "audio/mpeg", []byte("a"), map[string]string{"language": "klingon!"})
	resp = h.do(t, http.MethodPost, common.PathTranscriptions, body, ct, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "bad language")

	body, ct = multipartBody(t, "a.mp3", "audio/mpeg", []byte("a"), map[string]string{"callback_url": "ftp://x/y"})
	resp = h.do(t, http.MethodPost, common.PathTranscriptions, body, ct, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "bad callback")

	body, ct = multipartBody(t, "big.wav", "audio/wav", bytes.Repeat([]byte("a"), (1<<20)+10), nil)
	resp = h.do(t, http.MethodPost, common.PathTranscriptions, body, ct, "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	assert.Empty(t, h.jobs.List())
}

func TestGetTranscription_NotFound(t *testing.T) {
	h := newHarness(t, "")
	resp := h.do(t, http.MethodGet, common.PathTranscriptions+"/nope", nil, "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = h.do(t, http.MethodGet, common.PathTranscriptions+"/nope/chunks", nil, "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIKeyEnforced(t *testing.T) {
	h := newHarness(t, "secret")
	resp := h.do(t, http.MethodGet, common.PathQueue, nil, "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.do(t, http.MethodGet, common.PathQueue, nil, "", "secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodGet, common.PathQueue+"?api_key=secret", nil, "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// health stays open without a key
	resp = h.do(t, http.MethodGet, common.PathHealthz, nil, "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestQueueStats(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.queue.Enqueue(context.Background(), chunks.Task{JobID: "j", ChunkPath: "p", TotalChunks: 1})
	require.NoError(t, err)
	require.NoError(t, h.jobs.Create(&jobs.Job{ID: "j"}))

	resp := h.do(t, http.MethodGet, common.PathQueue, nil, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Queue queue.Stats    `json:"queue"`
		Jobs  map[string]int `json:"jobs"`
	}
	decode(t, resp, &out)
	assert.Equal(t, 1, out.Queue.Waiting)
	assert.Equal(t, 1, out.Jobs["pending"])
	assert.Equal(t, 0, out.Jobs["failed"])
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), discardLogger())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

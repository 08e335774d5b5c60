package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/jo-hoe/chunkscribe/internal/aggregator"
	"github.com/jo-hoe/chunkscribe/internal/common"
	"github.com/jo-hoe/chunkscribe/internal/config"
	"github.com/jo-hoe/chunkscribe/internal/jobs"
	"github.com/jo-hoe/chunkscribe/internal/pipeline"
	"github.com/jo-hoe/chunkscribe/internal/queue"
	"github.com/jo-hoe/chunkscribe/internal/storage"
)

type Service struct {
	Log        *slog.Logger
	Cfg        *config.Config
	Jobs       jobs.Store
	Pipeline   *pipeline.Pipeline
	Aggregator *aggregator.Aggregator
	Queue      queue.Queue
	Uploader   *storage.Uploader
	Events     http.Handler // optional websocket stream
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc(http.MethodPost+" "+common.PathTranscriptions, svc.withCommon(svc.handleCreateTranscription))
	mux.HandleFunc(http.MethodGet+" "+common.PathTranscriptions+"/{id}", svc.withCommon(svc.handleGetTranscription))
	mux.HandleFunc(http.MethodGet+" "+common.PathTranscriptions+"/{id}/chunks", svc.withCommon(svc.handleGetChunks))
	mux.HandleFunc(http.MethodGet+" "+common.PathQueue, svc.withCommon(svc.handleQueue))
	if svc.Events != nil {
		mux.HandleFunc(http.MethodGet+" "+common.PathEvents, svc.withCommon(svc.Events.ServeHTTP))
	}

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(mux, svc.Log), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	return s
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured. Browsers cannot set headers on websocket upgrades.
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			got := r.Header.Get(common.HeaderAPIKey)
			if got == "" {
				got = r.URL.Query().Get("api_key")
			}
			if got != key {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		// Enforce max body size, leaving room for the multipart envelope
		max := safeInt64(svc.Cfg.Server.MaxUploadSize)
		if max > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, max+1<<20)
		}
		next.ServeHTTP(w, r)
	}
}

type createResponse struct {
	JobID     string      `json:"jobId"`
	Status    jobs.Status `json:"status"`
	StatusURL string      `json:"statusUrl"`
}

var languagePattern = regexp.MustCompile(`^(auto|[a-z]{2,3})$`)

func (svc *Service) handleCreateTranscription(w http.ResponseWriter, r *http.Request) {
	max := safeInt64(svc.Cfg.Server.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	fileHeader := r.MultipartForm.File["file"]
	if len(fileHeader) == 0 {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}

	language := strings.ToLower(strings.TrimSpace(r.FormValue("language")))
	if language == "" {
		language = common.DefaultLanguage
	}
	if !languagePattern.MatchString(language) {
		http.Error(w, "invalid language", http.StatusBadRequest)
		return
	}
	callbackURL, err := parseOptionalURL(r.FormValue("callback_url"))
	if err != nil {
		http.Error(w, "invalid callback_url", http.StatusBadRequest)
		return
	}

	up, err := svc.Uploader.SaveMultipartAudio(fileHeader[0], max)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrUnsupportedType):
			http.Error(w, "upload failed: "+err.Error(), http.StatusUnsupportedMediaType)
		case errors.Is(err, storage.ErrTooLarge):
			http.Error(w, "upload failed: "+err.Error(), http.StatusRequestEntityTooLarge)
		default:
			http.Error(w, "upload failed: "+err.Error(), http.StatusBadRequest)
		}
		return
	}

	job, err := svc.Pipeline.Submit(r.Context(), pipeline.Upload{
		Path:        up.Path,
		Filename:    up.Filename,
		MimeType:    up.MimeType,
		Size:        up.Size,
		Language:    language,
		CallbackURL: callbackURL,
	})
	if err != nil {
		_ = up.Remove()
		svc.Log.Error("submit job", "err", err)
		if errors.Is(err, pipeline.ErrClosed) {
			http.Error(w, "shutting down, try later", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, createResponse{
		JobID:     job.ID,
		Status:    jobs.StatusProcessing,
		StatusURL: path.Join(common.PathTranscriptions, job.ID),
	})
}

type jobOut struct {
	JobID                      string      `json:"jobId"`
	Status                     jobs.Status `json:"status"`
	Filename                   string      `json:"filename,omitempty"`
	Language                   string      `json:"language"`
	Progress                   int         `json:"progress"`
	Transcript                 *string     `json:"transcript,omitempty"`
	Error                      *string     `json:"error,omitempty"`
	SuccessRate                *float64    `json:"successRate,omitempty"`
	ExpectedChunks             int         `json:"expectedChunks,omitempty"`
	ChunkSeconds               int         `json:"chunkSeconds,omitempty"`
	EstimatedProcessingSeconds int         `json:"estimatedProcessingSeconds,omitempty"`
	CreatedAt                  time.Time   `json:"createdAt"`
	StartedAt                  *time.Time  `json:"startedAt,omitempty"`
	CompletedAt                *time.Time  `json:"completedAt,omitempty"`
}

func (svc *Service) jobToOut(job jobs.Job) jobOut {
	out := jobOut{
		JobID:          job.ID,
		Status:         job.Status,
		Filename:       job.Source.Filename,
		Language:       job.Source.Language,
		Progress:       svc.Pipeline.Progress(job, time.Now()),
		ExpectedChunks: job.ExpectedChunks,
		ChunkSeconds:   job.ChunkSeconds,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
	}
	if job.Status.Terminal() {
		out.Transcript = job.Transcript
		out.Error = job.Error
		out.SuccessRate = job.SuccessRate
	} else {
		out.EstimatedProcessingSeconds = int(svc.Pipeline.EstimatedProcessingTime(job).Seconds())
	}
	return out
}

func (svc *Service) handleGetTranscription(w http.ResponseWriter, r *http.Request) {
	job, err := svc.Jobs.Get(r.PathValue("id"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, svc.jobToOut(job))
}

type chunksOut struct {
	jobOut
	Chunks    []aggregator.ChunkStatus `json:"chunks"`
	Completed []int                    `json:"completed"`
	Failed    []int                    `json:"failed"`
	Pending   []int                    `json:"pending"`
}

func (svc *Service) handleGetChunks(w http.ResponseWriter, r *http.Request) {
	b, err := svc.Aggregator.ChunkBreakdown(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		svc.Log.Error("chunk breakdown", "job_id", r.PathValue("id"), "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, chunksOut{
		jobOut:    svc.jobToOut(b.Job),
		Chunks:    b.Chunks,
		Completed: b.Completed,
		Failed:    b.Failed,
		Pending:   b.Pending,
	})
}

type queueOut struct {
	Queue queue.Stats         `json:"queue"`
	Jobs  map[jobs.Status]int `json:"jobs"`
}

func (svc *Service) handleQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := svc.Queue.Stats(r.Context())
	if err != nil {
		svc.Log.Error("queue stats", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	counts := map[jobs.Status]int{
		jobs.StatusPending:    0,
		jobs.StatusProcessing: 0,
		jobs.StatusCompleted:  0,
		jobs.StatusFailed:     0,
	}
	for _, j := range svc.Jobs.List() {
		counts[j.Status]++
	}
	writeJSON(w, http.StatusOK, queueOut{Queue: stats, Jobs: counts})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func parseOptionalURL(s string) (string, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return "", nil
	}
	u, err := url.ParseRequestURI(v)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return v, nil
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	// Fallback to a discard logger if none provided to avoid nil deref in tests or minimal setups.
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets the websocket upgrader take over the connection.
func (w *writeWrap) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *writeWrap) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func recoveryMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if log != nil {
					log.Error("panic in handler", "path", r.URL.Path, "panic", rec)
				}
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

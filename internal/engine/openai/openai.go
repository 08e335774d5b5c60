package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jo-hoe/chunkscribe/internal/config"
	"github.com/jo-hoe/chunkscribe/internal/engine"
)

var _ engine.Engine = (*Client)(nil)

const (
	// Headers
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"

	// Auth
	authSchemeBearer = "Bearer"

	// Endpoints
	endpointTranscriptions = "v1/audio/transcriptions"

	// Timeouts and limits
	defaultTimeout    = 5 * time.Minute
	errorSnippetLimit = 400

	// Form fields
	fieldFile           = "file"
	fieldModel          = "model"
	fieldLanguage       = "language"
	fieldResponseFormat = "response_format"
	responseFormatJSON  = "json"
)

// Client implements engine.Engine against an OpenAI-compatible audio transcription endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// New creates a new OpenAI transcription client.
func New(cfg config.OpenAISettings) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
	}
}

// Transcribe uploads the chunk as multipart form data and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, path, language string) (string, error) {
	f, err := os.Open(path) // #nosec G304 - chunk paths are produced by the segmenter
	if err != nil {
		return "", fmt.Errorf("open chunk: %w", err)
	}
	defer func() { _ = f.Close() }()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(fieldFile, filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", fmt.Errorf("copy chunk: %w", err)
	}
	if err := mw.WriteField(fieldModel, c.model); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if err := mw.WriteField(fieldResponseFormat, responseFormatJSON); err != nil {
		return "", fmt.Errorf("write format field: %w", err)
	}
	if lang := engine.NormalizeLanguage(language); lang != "" {
		if err := mw.WriteField(fieldLanguage, lang); err != nil {
			return "", fmt.Errorf("write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	u, err := url.JoinPath(c.baseURL, endpointTranscriptions)
	if err != nil {
		return "", fmt.Errorf("join url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set(headerContentType, mw.FormDataContentType())
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set(headerAuthorization, authSchemeBearer+" "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("http do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("openai status %d: %s", resp.StatusCode, truncate(string(respBytes), errorSnippetLimit))
	}

	var tr transcriptionResponse
	if err := json.Unmarshal(respBytes, &tr); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	return strings.TrimSpace(tr.Text), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

package mock

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jo-hoe/chunkscribe/internal/config"
	"github.com/jo-hoe/chunkscribe/internal/engine"
)

var _ engine.Engine = (*Client)(nil)

// Client is a mock transcription engine that returns a deterministic string.
type Client struct {
	delay  time.Duration
	prefix string
}

// New creates a new mock engine from settings.
func New(cfg config.MockSettings) *Client {
	return &Client{
		delay:  cfg.Delay,
		prefix: cfg.Prefix,
	}
}

// Transcribe waits the configured delay (honoring ctx) and names the chunk it was given.
func (c *Client) Transcribe(ctx context.Context, path, language string) (string, error) {
	if c.delay > 0 {
		timer := time.NewTimer(c.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return "", err
	}
	lang := engine.NormalizeLanguage(language)
	if lang == "" {
		lang = "auto"
	}
	return fmt.Sprintf("[%s %s lang=%s]", c.prefix, filepath.Base(path), lang), nil
}

package mock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/chunkscribe/internal/config"
)

func TestMockEngine_Transcribe(t *testing.T) {
	cfg := config.MockSettings{
		Delay:  0,
		Prefix: "MockPrefix",
	}
	c := New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	text, err := c.Transcribe(ctx, "/tmp/job/chunk_002.mp3", "ko")
	require.NoError(t, err)
	assert.Contains(t, text, "MockPrefix")
	assert.Contains(t, text, "chunk_002.mp3")
	assert.Contains(t, text, "lang=ko")
}

func TestMockEngine_RespectsContextCancel(t *testing.T) {
	cfg := config.MockSettings{
		Delay:  200 * time.Millisecond,
		Prefix: "x",
	}
	c := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.Transcribe(ctx, "a.wav", "auto")
	assert.Error(t, err)
}

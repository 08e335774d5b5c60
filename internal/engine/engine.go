package engine

import (
	"context"
	"strings"

	"github.com/jo-hoe/chunkscribe/internal/common"
)

// Engine defines the capability to transcribe one audio chunk into text.
type Engine interface {
	// Transcribe reads the chunk at path and returns its text. language is "auto"
	// for detection or an explicit code such as "en".
	Transcribe(ctx context.Context, path, language string) (string, error)
}

// NormalizeLanguage lowercases a language hint and maps the detection value to "".
func NormalizeLanguage(language string) string {
	l := strings.ToLower(strings.TrimSpace(language))
	if l == "" || l == common.DefaultLanguage {
		return ""
	}
	return l
}

package common

import "time"

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey    = "X-API-Key" // #nosec G101 - header name constant, not a credential
	ContentTypeJSON = "application/json"
)

// API paths
const (
	PathHealthz        = "/healthz"
	PathTranscriptions = "/v1/transcriptions"
	PathQueue          = "/v1/queue"
	PathEvents         = "/v1/events"
)

// Process modes
const (
	ModeAPI    = "api"
	ModeWorker = "worker"
	ModeAll    = "all"
)

// Defaults and limits
const (
	DefaultWorkerConcurrency = 5
	DefaultMaxChunks         = 30
	DefaultLanguage          = "auto"
	SQLiteBusyTimeoutMS      = 5000
)

// Shared store key prefixes. Records are keyed as <prefix>:<jobId>:chunk:<index>.
const (
	KeyPrefixCompleted = "completed"
	KeyPrefixFailed    = "failed"
	KeySegmentChunk    = "chunk"
)

// Record lifetimes in the shared store.
const (
	CompletedRecordTTL = time.Hour
	FailedRecordTTL    = 2 * time.Hour
)

// Audio MIME types accepted for upload.
const (
	MimeAudioMPEG = "audio/mpeg"
	MimeAudioMP4  = "audio/mp4"
	MimeAudioWAV  = "audio/wav"
	MimeAudioXWAV = "audio/x-wav"
	MimeAudioWave = "audio/wave"
	MimeAudioWebM = "audio/webm"
	MimeAudioAAC  = "audio/aac"
	MimeAudioXAAC = "audio/x-aac"
	MimeAudioOGG  = "audio/ogg"
	MimeAudioOpus = "audio/opus"
	MimeAudioFLAC = "audio/flac"
)

// Subdirectory names
const (
	UploadsDirName = "uploads"
	ChunksDirName  = "chunks"
)

// Callback status strings
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/chunkscribe/internal/common"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Store     StoreConfig     `yaml:"store"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Engine    EngineConfig    `yaml:"engine"`
	Segmenter SegmenterConfig `yaml:"segmenter"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	Mode          string        `yaml:"mode"` // api|worker|all
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxUploadSize ByteSize      `yaml:"maxUploadSize"`
	StorageDir    string        `yaml:"storageDir"`
	APIKey        string        `yaml:"apiKey"`        // optional static API key header (X-API-Key)
	ShutdownGrace time.Duration `yaml:"shutdownGrace"` // time to wait for workers before forced stop
	LogLevel      string        `yaml:"logLevel"`      // debug|info|warn|error
}

// PipelineConfig tunes planning, aggregation and job retention.
type PipelineConfig struct {
	BytesPerSecond     int64         `yaml:"bytesPerSecond"` // calibrated upload bytes per second of audio
	MaxChunks          int           `yaml:"maxChunks"`
	AggregateInterval  time.Duration `yaml:"aggregateInterval"`
	SweepInterval      time.Duration `yaml:"sweepInterval"`
	Retention          time.Duration `yaml:"retention"`
	StallThreshold     time.Duration `yaml:"stallThreshold"`
	SecondsPerAudioMin float64       `yaml:"processingSecondsPerAudioMinute"`
	CallbackRetries    int           `yaml:"callbackRetries"`
	CallbackBackoff    time.Duration `yaml:"callbackBackoff"`
	CleanupDelay       time.Duration `yaml:"cleanupDelay"` // wait before removing a finished job's chunk dir
}

// DispatchConfig controls priority and staggering of chunk tasks.
type DispatchConfig struct {
	BasePriority int           `yaml:"basePriority"`
	StaggerStep  time.Duration `yaml:"staggerStep"`
	BatchSize    int           `yaml:"batchSize"`
	BatchDelay   time.Duration `yaml:"batchDelay"`
}

// StoreConfig selects the shared result store backend.
type StoreConfig struct {
	Driver       string        `yaml:"driver"` // memory|sqlite|postgres
	Path         string        `yaml:"path"`   // sqlite file
	DSN          string        `yaml:"dsn"`    // postgres connection string
	CompletedTTL time.Duration `yaml:"completedTTL"`
	FailedTTL    time.Duration `yaml:"failedTTL"`
}

// QueueConfig selects the work queue backend and its delivery policy.
type QueueConfig struct {
	Driver            string        `yaml:"driver"` // memory|gorm
	Path              string        `yaml:"path"`   // gorm sqlite file
	MaxAttempts       int           `yaml:"maxAttempts"`
	Backoff           time.Duration `yaml:"backoff"`
	MaxBackoff        time.Duration `yaml:"maxBackoff"`
	VisibilityTimeout time.Duration `yaml:"visibilityTimeout"`
	PollInterval      time.Duration `yaml:"pollInterval"`
}

// WorkerConfig configures chunk workers in this process.
type WorkerConfig struct {
	ID          string `yaml:"id"`
	Concurrency int    `yaml:"concurrency"`
}

// EngineConfig selects the transcription provider and provider-specific options.
type EngineConfig struct {
	Provider string          `yaml:"provider"` // mock|whisper|openai
	Mock     MockSettings    `yaml:"mock"`
	Whisper  WhisperSettings `yaml:"whisper"`
	OpenAI   OpenAISettings  `yaml:"openai"`
}

// MockSettings config for the mock engine.
type MockSettings struct {
	Delay  time.Duration `yaml:"delay"`
	Prefix string        `yaml:"prefix"`
}

// WhisperSettings config for the openai-whisper command line.
type WhisperSettings struct {
	Python  string        `yaml:"python"` // interpreter running "-m whisper"
	Model   string        `yaml:"model"`
	Device  string        `yaml:"device"` // optional cpu|cuda
	Timeout time.Duration `yaml:"timeout"`
}

// OpenAISettings config for an OpenAI-compatible audio transcription endpoint.
type OpenAISettings struct {
	BaseURL string        `yaml:"baseUrl"` // e.g. https://api.openai.com
	APIKey  string        `yaml:"apiKey"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// SegmenterConfig configures the ffmpeg segmenter.
type SegmenterConfig struct {
	FFmpegPath string `yaml:"ffmpegPath"`
	TempDir    string `yaml:"tempDir"` // chunk working dirs; defaults to storageDir/chunks
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	// Longer suffixes first so "KIB" is not read as "B".
	units := []unit{
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var CHUNKSCRIBE_CONFIG, then default to "config.yaml".
// A missing default file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		if env := os.Getenv("CHUNKSCRIBE_CONFIG"); env != "" {
			path = env
			explicit = true
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = nil
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if mode := strings.TrimSpace(os.Getenv("CHUNKSCRIBE_MODE")); mode != "" {
		cfg.Server.Mode = mode
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure storage_dir: %w", err)
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.Server.StorageDir, "results.db")
	}
	if cfg.Queue.Driver == "gorm" && cfg.Queue.Path == "" {
		cfg.Queue.Path = filepath.Join(cfg.Server.StorageDir, "queue.db")
	}
	if cfg.Segmenter.TempDir == "" {
		cfg.Segmenter.TempDir = filepath.Join(cfg.Server.StorageDir, common.ChunksDirName)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if strings.TrimSpace(cfg.Server.Mode) == "" {
		cfg.Server.Mode = common.ModeAll
	}
	cfg.Server.Mode = strings.ToLower(strings.TrimSpace(cfg.Server.Mode))
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(25 * 1024 * 1024)
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Pipeline defaults
	if cfg.Pipeline.BytesPerSecond <= 0 {
		cfg.Pipeline.BytesPerSecond = 16000 // ~128kbps compressed audio
	}
	if cfg.Pipeline.MaxChunks <= 0 {
		cfg.Pipeline.MaxChunks = common.DefaultMaxChunks
	}
	if cfg.Pipeline.AggregateInterval == 0 {
		cfg.Pipeline.AggregateInterval = 3 * time.Second
	}
	if cfg.Pipeline.SweepInterval == 0 {
		cfg.Pipeline.SweepInterval = 10 * time.Minute
	}
	if cfg.Pipeline.Retention == 0 {
		cfg.Pipeline.Retention = 24 * time.Hour
	}
	if cfg.Pipeline.StallThreshold == 0 {
		cfg.Pipeline.StallThreshold = 10 * time.Minute
	}
	if cfg.Pipeline.SecondsPerAudioMin <= 0 {
		cfg.Pipeline.SecondsPerAudioMin = 20
	}
	if cfg.Pipeline.CallbackRetries == 0 {
		cfg.Pipeline.CallbackRetries = 3
	}
	if cfg.Pipeline.CallbackBackoff == 0 {
		cfg.Pipeline.CallbackBackoff = 2 * time.Second
	}
	if cfg.Pipeline.CleanupDelay == 0 {
		cfg.Pipeline.CleanupDelay = 5 * time.Second
	}

	// Dispatch defaults
	if cfg.Dispatch.BasePriority == 0 {
		cfg.Dispatch.BasePriority = 10
	}
	if cfg.Dispatch.StaggerStep == 0 {
		cfg.Dispatch.StaggerStep = time.Second
	}
	if cfg.Dispatch.BatchSize <= 0 {
		cfg.Dispatch.BatchSize = 5
	}
	if cfg.Dispatch.BatchDelay == 0 {
		cfg.Dispatch.BatchDelay = 2 * time.Second
	}

	// Store defaults
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Store.CompletedTTL == 0 {
		cfg.Store.CompletedTTL = common.CompletedRecordTTL
	}
	if cfg.Store.FailedTTL == 0 {
		cfg.Store.FailedTTL = common.FailedRecordTTL
	}

	// Queue defaults
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "memory"
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.Backoff == 0 {
		cfg.Queue.Backoff = 2 * time.Second
	}
	if cfg.Queue.MaxBackoff == 0 {
		cfg.Queue.MaxBackoff = time.Minute
	}
	if cfg.Queue.VisibilityTimeout == 0 {
		cfg.Queue.VisibilityTimeout = 15 * time.Minute
	}
	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = 500 * time.Millisecond
	}

	// Worker defaults
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = common.DefaultWorkerConcurrency
	}

	// Engine defaults
	if cfg.Engine.Provider == "" {
		cfg.Engine.Provider = "mock"
	}
	cfg.Engine.Provider = strings.ToLower(strings.TrimSpace(cfg.Engine.Provider))
	if cfg.Engine.Mock.Prefix == "" {
		cfg.Engine.Mock.Prefix = "Transcribed by Mock"
	}
	if cfg.Engine.Whisper.Python == "" {
		cfg.Engine.Whisper.Python = "python3"
	}
	if cfg.Engine.Whisper.Model == "" {
		cfg.Engine.Whisper.Model = "small"
	}
	if cfg.Engine.Whisper.Timeout == 0 {
		cfg.Engine.Whisper.Timeout = 10 * time.Minute
	}
	if strings.TrimSpace(cfg.Engine.OpenAI.BaseURL) == "" {
		cfg.Engine.OpenAI.BaseURL = "https://api.openai.com"
	}
	if strings.TrimSpace(cfg.Engine.OpenAI.Model) == "" {
		cfg.Engine.OpenAI.Model = "whisper-1"
	}
	if cfg.Engine.OpenAI.Timeout == 0 {
		cfg.Engine.OpenAI.Timeout = 5 * time.Minute
	}

	// Segmenter defaults
	if cfg.Segmenter.FFmpegPath == "" {
		cfg.Segmenter.FFmpegPath = "ffmpeg"
	}
}

func validate(cfg *Config) error {
	switch cfg.Server.Mode {
	case common.ModeAPI, common.ModeWorker, common.ModeAll:
	default:
		return fmt.Errorf("server.mode must be one of api|worker|all, got %q", cfg.Server.Mode)
	}

	switch cfg.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Store.DSN) == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}

	switch cfg.Queue.Driver {
	case "memory", "gorm":
	default:
		return fmt.Errorf("unsupported queue driver %q", cfg.Queue.Driver)
	}

	// Separate processes can only meet through durable backends.
	if cfg.Server.Mode != common.ModeAll {
		if cfg.Store.Driver == "memory" {
			return fmt.Errorf("store.driver memory requires server.mode %q", common.ModeAll)
		}
		if cfg.Queue.Driver == "memory" {
			return fmt.Errorf("queue.driver memory requires server.mode %q", common.ModeAll)
		}
	}

	switch cfg.Engine.Provider {
	case "mock", "whisper":
	case "openai":
		if strings.TrimSpace(cfg.Engine.OpenAI.APIKey) == "" {
			return errors.New("engine.openai.apiKey is required")
		}
	default:
		return fmt.Errorf("unsupported engine provider %q", cfg.Engine.Provider)
	}

	if cfg.Pipeline.AggregateInterval < 0 || cfg.Pipeline.SweepInterval < 0 {
		return errors.New("pipeline intervals must be positive")
	}
	return nil
}

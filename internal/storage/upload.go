package storage

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/jo-hoe/chunkscribe/internal/common"
)

var (
	// ErrUnsupportedType is returned for uploads outside the audio allowlist.
	ErrUnsupportedType = errors.New("unsupported content type")
	// ErrTooLarge is returned when an upload exceeds the size limit.
	ErrTooLarge = errors.New("upload too large")
	// ErrEmpty is returned for zero-byte uploads.
	ErrEmpty = errors.New("upload is empty")
)

// Uploader handles storing uploaded audio on disk.
type Uploader struct {
	baseDir string
}

// Upload describes a stored audio file.
type Upload struct {
	Path     string
	Filename string // client filename
	MimeType string
	Size     int64
}

// Remove deletes the stored file.
func (u Upload) Remove() error {
	return os.Remove(u.Path)
}

var allowedAudioMimes = map[string]string{
	common.MimeAudioMPEG: ".mp3",
	common.MimeAudioMP4:  ".m4a",
	common.MimeAudioWAV:  ".wav",
	common.MimeAudioXWAV: ".wav",
	common.MimeAudioWave: ".wav",
	common.MimeAudioWebM: ".webm",
	common.MimeAudioAAC:  ".aac",
	common.MimeAudioXAAC: ".aac",
	common.MimeAudioOGG:  ".ogg",
	common.MimeAudioOpus: ".opus",
	common.MimeAudioFLAC: ".flac",
}

// Not every system mime table knows audio extensions.
var audioExtensions = map[string]string{
	".mp3":  common.MimeAudioMPEG,
	".m4a":  common.MimeAudioMP4,
	".mp4":  common.MimeAudioMP4,
	".wav":  common.MimeAudioWAV,
	".webm": common.MimeAudioWebM,
	".aac":  common.MimeAudioAAC,
	".ogg":  common.MimeAudioOGG,
	".opus": common.MimeAudioOpus,
	".flac": common.MimeAudioFLAC,
}

// NewUploader creates an uploader that stores to baseDir/uploads.
func NewUploader(baseDir string) *Uploader {
	return &Uploader{baseDir: filepath.Join(baseDir, common.UploadsDirName)}
}

// SaveMultipartAudio validates and stores an uploaded audio file to disk.
// The caller owns the returned file and should Remove it when no longer needed.
func (u *Uploader) SaveMultipartAudio(fileHeader *multipart.FileHeader, maxBytes int64) (Upload, error) {
	if fileHeader == nil {
		return Upload{}, fmt.Errorf("no file provided")
	}
	mimeType := detectMime(fileHeader)
	if !isAllowedAudioMime(mimeType) {
		return Upload{}, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}
	if maxBytes > 0 && fileHeader.Size > maxBytes {
		return Upload{}, fmt.Errorf("%w: %s exceeds %s", ErrTooLarge,
			humanize.IBytes(uint64(fileHeader.Size)), humanize.IBytes(uint64(maxBytes)))
	}

	if err := os.MkdirAll(u.baseDir, 0o750); err != nil {
		return Upload{}, fmt.Errorf("ensure uploads dir: %w", err)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return Upload{}, fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()

	ext := pickExtension(mimeType, fileHeader.Filename)
	dstPath := filepath.Join(u.baseDir, uuid.NewString()+ext)

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600) // #nosec G304 - generated name under our uploads dir
	if err != nil {
		return Upload{}, fmt.Errorf("create upload file: %w", err)
	}
	defer func() {
		_ = dst.Close()
	}()

	var r io.Reader = src
	if maxBytes > 0 {
		r = io.LimitReader(src, maxBytes+1)
	}
	n, err := io.Copy(dst, r)
	if err != nil {
		_ = os.Remove(dstPath)
		return Upload{}, fmt.Errorf("copy upload: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		_ = os.Remove(dstPath)
		return Upload{}, fmt.Errorf("%w: limit %s", ErrTooLarge, humanize.IBytes(uint64(maxBytes)))
	}
	if n == 0 {
		_ = os.Remove(dstPath)
		return Upload{}, ErrEmpty
	}

	return Upload{
		Path:     dstPath,
		Filename: filepath.Base(fileHeader.Filename),
		MimeType: mimeType,
		Size:     n,
	}, nil
}

func detectMime(fh *multipart.FileHeader) string {
	mimeType := strings.ToLower(strings.TrimSpace(fh.Header.Get("Content-Type")))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	// Some clients set application/octet-stream for uploads; treat it as unknown and fall back to extension.
	if mimeType != "" && mimeType != "application/octet-stream" {
		return mimeType
	}
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if mt, ok := audioExtensions[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		if i := strings.Index(mt, ";"); i >= 0 {
			mt = mt[:i]
		}
		return mt
	}
	return mimeType
}

func isAllowedAudioMime(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	_, ok := allowedAudioMimes[mt]
	return ok
}

func pickExtension(mimeType, original string) string {
	ext := strings.ToLower(filepath.Ext(original))
	if _, ok := audioExtensions[ext]; ok {
		return ext
	}
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if ext, ok := allowedAudioMimes[mt]; ok {
		return ext
	}
	return ".bin"
}

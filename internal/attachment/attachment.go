// Package attachment validates files before they are uploaded to a chat.
package attachment

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/soyeahso/backoffice/internal/domain"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
	ErrEmptyFile       = errors.New("file is empty")
)

// allowed maps accepted media types to the attachment kind they produce.
var allowed = map[string]domain.AttachmentKind{
	"image/jpeg":      domain.KindImage,
	"image/png":       domain.KindImage,
	"image/webp":      domain.KindImage,
	"video/mp4":       domain.KindVideo,
	"video/mpeg":      domain.KindVideo,
	"video/quicktime": domain.KindVideo,
	"application/pdf": domain.KindDocument,
}

// Limits are the per-kind upload ceilings in bytes.
type Limits struct {
	Image int64 // images
	Media int64 // video and documents
}

// DefaultLimits returns 5 MiB for images and 100 MiB for video and PDF.
func DefaultLimits() Limits {
	return Limits{Image: 5 << 20, Media: 100 << 20}
}

// For returns the ceiling applied to kind.
func (l Limits) For(kind domain.AttachmentKind) int64 {
	if kind == domain.KindImage {
		return l.Image
	}
	return l.Media
}

// KindOf returns the attachment kind for a media type, ignoring parameters.
func KindOf(mimeType string) (domain.AttachmentKind, bool) {
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		base = strings.ToLower(strings.TrimSpace(mimeType))
	}
	kind, ok := allowed[base]
	return kind, ok
}

// Validate checks a media type and size against the allow-list and limits.
func (l Limits) Validate(mimeType string, size int64) (domain.AttachmentKind, error) {
	kind, ok := KindOf(mimeType)
	if !ok {
		return "", fmt.Errorf("%w: %q (allowed: JPEG, PNG, WebP, MP4, MPEG, QuickTime, PDF)", ErrUnsupportedType, mimeType)
	}
	if size <= 0 {
		return "", ErrEmptyFile
	}
	if limit := l.For(kind); size > limit {
		return "", fmt.Errorf("%w: %s is %s, %s limit is %s",
			ErrTooLarge, kind, humanize.IBytes(uint64(size)), kind, humanize.IBytes(uint64(limit)))
	}
	return kind, nil
}

// File is a local file staged for upload.
type File struct {
	Path     string
	Name     string
	MimeType string
	Size     int64
	Kind     domain.AttachmentKind
}

// Open stats the file at path, determines its media type and validates it.
// The type comes from the extension when known, otherwise from content sniffing.
func (l Limits) Open(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("reading attachment: %w", err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("reading attachment: %s is a directory", path)
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mimeType == "" {
		mimeType, err = sniff(path)
		if err != nil {
			return File{}, err
		}
	}

	kind, err := l.Validate(mimeType, info.Size())
	if err != nil {
		return File{}, err
	}
	base, _, _ := mime.ParseMediaType(mimeType)
	return File{
		Path:     path,
		Name:     filepath.Base(path),
		MimeType: base,
		Size:     info.Size(),
		Kind:     kind,
	}, nil
}

func sniff(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("reading attachment: %w", err)
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading attachment: %w", err)
	}
	return http.DetectContentType(buf[:n]), nil
}

package relay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/soyeahso/backoffice/internal/attachment"
	"github.com/soyeahso/backoffice/internal/domain"
)

// mediaStore keeps uploaded attachments on local disk and serves them under
// /media/.
type mediaStore struct {
	dir       string
	publicURL string
	limits    attachment.Limits
}

// save validates and writes one upload. The declared type is trusted when it
// is on the allow-list; otherwise the content is sniffed.
func (m *mediaStore) save(r io.Reader, fileName, declared string, declaredSize int64) (*domain.Attachment, error) {
	br := bufio.NewReaderSize(r, 512)
	mimeType := declared
	if _, ok := attachment.KindOf(mimeType); !ok {
		head, _ := br.Peek(512)
		mimeType = http.DetectContentType(head)
	}
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		base = mimeType
	}
	// The real size is checked again after the copy.
	kind, err := m.limits.Validate(base, max(declaredSize, 1))
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating media dir: %w", err)
	}
	name := uuid.New().String() + extensionFor(base, fileName)
	path := filepath.Join(m.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storing media: %w", err)
	}

	limit := m.limits.For(kind)
	n, err := io.Copy(f, io.LimitReader(br, limit+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		_, err = m.limits.Validate(base, n)
	}
	if err != nil {
		os.Remove(path)
		if errors.Is(err, attachment.ErrTooLarge) || errors.Is(err, attachment.ErrEmptyFile) {
			return nil, err
		}
		return nil, fmt.Errorf("storing media: %w", err)
	}

	return &domain.Attachment{
		Kind:     kind,
		URL:      strings.TrimSuffix(m.publicURL, "/") + "/media/" + name,
		FileName: filepath.Base(fileName),
		Size:     n,
		MimeType: base,
	}, nil
}

// open resolves a stored file name. Names containing path elements are rejected.
func (m *mediaStore) open(name string) (string, bool) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", false
	}
	path := filepath.Join(m.dir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}

func extensionFor(mimeType, fileName string) string {
	if ext := strings.ToLower(filepath.Ext(fileName)); ext != "" && mime.TypeByExtension(ext) != "" {
		if t, _, _ := mime.ParseMediaType(mime.TypeByExtension(ext)); t == mimeType {
			return ext
		}
	}
	if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
		return exts[0]
	}
	return ""
}

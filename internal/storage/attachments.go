package storage

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/vdavid/mailsync/internal/models"
	"go.uber.org/zap"
)

const defaultExtension = ".bin"

// AttachmentStore keeps attachment bodies on the local filesystem under random file names.
type AttachmentStore struct {
	dir       string
	urlPrefix string
	logger    *zap.Logger
}

// NewAttachmentStore creates dir if needed. Download URLs are urlPrefix + "/" + stored name.
func NewAttachmentStore(dir, urlPrefix string, logger *zap.Logger) (*AttachmentStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("attachment directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create attachment directory: %w", err)
	}
	if urlPrefix == "" {
		urlPrefix = "/email-attachments"
	}
	return &AttachmentStore{
		dir:       dir,
		urlPrefix: strings.TrimRight(urlPrefix, "/"),
		logger:    logger.Named("attachments"),
	}, nil
}

// Save writes the attachment to disk and returns its metadata. MessageID is left for the caller.
func (s *AttachmentStore) Save(ctx context.Context, data models.AttachmentData) (*models.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := uuid.NewString() + extension(data.Filename)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data.Content, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write attachment %q: %w", data.Filename, err)
	}

	filename := data.Filename
	if filename == "" {
		filename = "attachment" + extension("")
	}
	contentType := data.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	s.logger.Debug("Stored attachment", zap.String("stored_name", name), zap.Int("size", len(data.Content)))

	return &models.Attachment{
		Filename:    filename,
		StoredName:  name,
		ContentType: contentType,
		SizeBytes:   int64(len(data.Content)),
		IsInline:    data.IsInline,
		ContentID:   data.ContentID,
		DownloadURL: s.urlPrefix + "/" + name,
	}, nil
}

// Path returns the on-disk path of a stored name, or false if the name is not a plain file name.
func (s *AttachmentStore) Path(storedName string) (string, bool) {
	if storedName == "" || storedName != filepath.Base(storedName) || strings.HasPrefix(storedName, ".") {
		return "", false
	}
	return filepath.Join(s.dir, storedName), true
}

// Handler serves stored attachments. Mount it at the URL prefix with http.StripPrefix.
func (s *AttachmentStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		path, ok := s.Path(strings.TrimPrefix(r.URL.Path, "/"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		if _, err := os.Stat(path); err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		http.ServeFile(w, r, path)
	})
}

func extension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || ext == "." {
		return defaultExtension
	}
	return ext
}

// Package attachments uploads chat files to object storage.
package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/tsupport/supportchat/internal/platform/id"
	"github.com/tsupport/supportchat/internal/services/chat/domain"
)

// MaxSize is the largest accepted attachment, 25 MiB.
const MaxSize = 25 << 20

const defaultExtension = "bin"

var (
	// ErrTooLarge rejects files over MaxSize.
	ErrTooLarge = errors.New("attachment exceeds 25 MiB")
	// ErrEmpty rejects zero-length files.
	ErrEmpty = errors.New("attachment is empty")
	// ErrStoreNotConfigured indicates uploads are disabled.
	ErrStoreNotConfigured = errors.New("attachment store is not configured")
)

// Store writes one object and returns its public URL.
type Store interface {
	Put(ctx context.Context, key string, contentType string, body io.Reader, size int64) (string, error)
}

// Service validates and stores chat attachments.
type Service struct {
	store Store
	newID func() (string, error)
}

// NewService builds a service over store. A nil newID uses id.NewID.
func NewService(store Store, newID func() (string, error)) *Service {
	if newID == nil {
		newID = id.NewID
	}
	return &Service{store: store, newID: newID}
}

// Enabled reports whether uploads can be served.
func (s *Service) Enabled() bool {
	return s != nil && s.store != nil
}

// Upload stores data under {chatID}/{random}.{ext} and returns the
// attachment reference.
func (s *Service) Upload(ctx context.Context, chatID, name, contentType string, data []byte) (domain.Attachment, error) {
	if !s.Enabled() {
		return domain.Attachment{}, ErrStoreNotConfigured
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return domain.Attachment{}, fmt.Errorf("chat id is required")
	}
	if len(data) == 0 {
		return domain.Attachment{}, ErrEmpty
	}
	if len(data) > MaxSize {
		return domain.Attachment{}, ErrTooLarge
	}
	name = displayName(name)
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	random, err := s.newID()
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("generate object name: %w", err)
	}
	key := ObjectKey(chatID, random, name)
	url, err := s.store.Put(ctx, key, contentType, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("upload attachment: %w", err)
	}
	return domain.Attachment{
		URL:  url,
		Kind: domain.KindForContentType(contentType),
		Name: name,
	}, nil
}

// ObjectKey builds the object path for an uploaded file.
func ObjectKey(chatID, random, name string) string {
	return chatID + "/" + random + "." + extension(name)
}

func extension(name string) string {
	ext := strings.TrimPrefix(path.Ext(name), ".")
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" || strings.ContainsAny(ext, "/\\") {
		return defaultExtension
	}
	return ext
}

func displayName(name string) string {
	name = strings.TrimSpace(name)
	// Browsers on some platforms send a full client path.
	if i := strings.LastIndexAny(name, "/\\"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return "attachment"
	}
	return name
}

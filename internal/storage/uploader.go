package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bowerhall/medibuddy/internal/capture"
)

var ErrUploadFailed = errors.New("upload failed")

// BlobStore is the object store the uploader writes to.
type BlobStore interface {
	Put(ctx context.Context, name string, data []byte, contentType string) error
	PublicURL(name string) string
}

// RemoteRef is a durable public reference to uploaded media.
type RemoteRef struct {
	URL  string
	Path string
}

// Uploader pushes captured media to the blob store under
// {owner}/{kind}s/{epochMillis}.{ext}. Every call writes a new object, so a
// retried upload never overwrites an earlier one.
type Uploader struct {
	blobs BlobStore
	now   func() time.Time

	mu   sync.Mutex
	last int64
}

func NewUploader(blobs BlobStore) *Uploader {
	return &Uploader{blobs: blobs, now: time.Now}
}

func (u *Uploader) Upload(ctx context.Context, media capture.LocalMedia, ownerID string) (RemoteRef, error) {
	if ownerID == "" || strings.Contains(ownerID, "/") {
		return RemoteRef{}, fmt.Errorf("%w: invalid owner %q", ErrUploadFailed, ownerID)
	}

	local := strings.TrimPrefix(media.URI, "file://")
	data, err := os.ReadFile(local)
	if err != nil {
		return RemoteRef{}, fmt.Errorf("%w: read %s: %v", ErrUploadFailed, local, err)
	}

	ext := filepath.Ext(local)
	if ext == "" {
		ext = capture.Extension(media.MimeType, media.Kind)
	}
	contentType := media.MimeType
	if contentType == "" {
		contentType = capture.MimeType(ext)
	}

	path := fmt.Sprintf("%s/%ss/%d%s", ownerID, media.Kind, u.stamp(), ext)
	if err := u.blobs.Put(ctx, path, data, contentType); err != nil {
		return RemoteRef{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	return RemoteRef{URL: u.blobs.PublicURL(path), Path: path}, nil
}

// stamp returns epoch millis, bumped past the previous value so two uploads
// from this process never share a name.
func (u *Uploader) stamp() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()

	ms := u.now().UnixMilli()
	if ms <= u.last {
		ms = u.last + 1
	}
	u.last = ms
	return ms
}

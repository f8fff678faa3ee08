package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/bowerhall/medibuddy/internal/conversation"
)

// Inbox is the capture device for chat front ends: the platform hands over
// finished photos and voice notes, the inbox spools them to disk and serves
// them to the picker and recorder contracts.
type Inbox struct {
	dir string
	now func() time.Time

	mu    sync.Mutex
	image *LocalMedia
	audio *LocalMedia
}

// NewInbox spools into dir, creating it on first write.
func NewInbox(dir string) *Inbox {
	return &Inbox{dir: dir, now: time.Now}
}

// PutImage stages an image for the next PickImage.
func (b *Inbox) PutImage(data []byte, mimeType string) error {
	media, err := b.spool(data, mimeType, conversation.MediaImage, 0)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.replace(&b.image, media)
	return nil
}

// PutAudio stages a voice note for the next recording stop.
func (b *Inbox) PutAudio(data []byte, mimeType string, duration time.Duration) error {
	media, err := b.spool(data, mimeType, conversation.MediaAudio, duration.Milliseconds())
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.replace(&b.audio, media)
	return nil
}

func (b *Inbox) replace(slot **LocalMedia, media *LocalMedia) {
	if *slot != nil {
		os.Remove((*slot).URI)
	}
	*slot = media
}

func (b *Inbox) spool(data []byte, mimeType string, kind conversation.MediaKind, durationMs int64) (*LocalMedia, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty %s", ErrDevice, kind)
	}
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: spool dir: %v", ErrDevice, err)
	}

	name := strconv.FormatInt(b.now().UnixNano(), 10) + Extension(mimeType, kind)
	path := filepath.Join(b.dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("%w: spool %s: %v", ErrDevice, kind, err)
	}

	if mimeType == "" {
		mimeType = MimeType(filepath.Ext(name))
	}
	return &LocalMedia{Kind: kind, URI: path, MimeType: mimeType, DurationMs: durationMs}, nil
}

// PickImage hands out the staged image; nothing staged reads as a cancel.
func (b *Inbox) PickImage(ctx context.Context) (LocalMedia, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.image == nil {
		return LocalMedia{}, ErrCancelled
	}
	media := *b.image
	b.image = nil
	return media, nil
}

func (b *Inbox) Start(ctx context.Context) (Take, error) {
	return &inboxTake{inbox: b}, nil
}

type inboxTake struct {
	inbox *Inbox
}

func (t *inboxTake) Stop(ctx context.Context) (LocalMedia, error) {
	b := t.inbox
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.audio == nil {
		return LocalMedia{}, fmt.Errorf("%w: no audio captured", ErrDevice)
	}
	media := *b.audio
	b.audio = nil
	return media, nil
}

func (t *inboxTake) Discard() error {
	b := t.inbox
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.audio == nil {
		return nil
	}
	path := b.audio.URI
	b.audio = nil
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

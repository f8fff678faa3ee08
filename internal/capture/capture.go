// Package capture turns platform gallery, camera and microphone access into
// plain calls that return LocalMedia or an error.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bowerhall/medibuddy/internal/conversation"
)

var (
	// ErrCancelled means the user backed out of the picker. It is not a failure.
	ErrCancelled        = errors.New("capture cancelled")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrDevice           = errors.New("capture device failed")
)

// LocalMedia references device-local bytes that have not been uploaded yet.
type LocalMedia struct {
	Kind       conversation.MediaKind
	URI        string
	MimeType   string
	DurationMs int64
}

// ImagePicker is the platform gallery or camera.
type ImagePicker interface {
	PickImage(ctx context.Context) (LocalMedia, error)
}

// Microphone starts platform recordings.
type Microphone interface {
	Start(ctx context.Context) (Take, error)
}

// Take is a platform recording in progress.
type Take interface {
	Stop(ctx context.Context) (LocalMedia, error)
	Discard() error
}

// RecordingHandle is returned by a successful StartRecording and is the only
// way to stop that recording.
type RecordingHandle struct {
	ID      string
	Started time.Time
	take    Take
}

// Capture guards the recorder as a single exclusive resource.
type Capture struct {
	picker ImagePicker
	mic    Microphone
	now    func() time.Time

	mu     sync.Mutex
	active *RecordingHandle
}

func New(picker ImagePicker, mic Microphone) *Capture {
	return &Capture{picker: picker, mic: mic, now: time.Now}
}

// CaptureImage blocks on the picker. A cancel yields ErrCancelled.
func (c *Capture) CaptureImage(ctx context.Context) (LocalMedia, error) {
	if c.picker == nil {
		return LocalMedia{}, fmt.Errorf("%w: no image source", ErrDevice)
	}

	media, err := c.picker.PickImage(ctx)
	if err != nil {
		return LocalMedia{}, err
	}
	if media.URI == "" {
		return LocalMedia{}, ErrCancelled
	}
	media.Kind = conversation.MediaImage
	return media, nil
}

func (c *Capture) StartRecording(ctx context.Context) (*RecordingHandle, error) {
	if c.mic == nil {
		return nil, fmt.Errorf("%w: no microphone", ErrDevice)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return nil, ErrAlreadyRecording
	}

	take, err := c.mic.Start(ctx)
	if err != nil {
		return nil, err
	}

	c.active = &RecordingHandle{ID: uuid.NewString(), Started: c.now(), take: take}
	return c.active, nil
}

// StopRecording finishes the recording started with h. The recorder is
// released even when the device fails to produce media.
func (c *Capture) StopRecording(ctx context.Context, h *RecordingHandle) (LocalMedia, error) {
	c.mu.Lock()
	if h == nil || c.active != h {
		c.mu.Unlock()
		return LocalMedia{}, ErrNotRecording
	}
	c.active = nil
	c.mu.Unlock()

	media, err := h.take.Stop(ctx)
	if err != nil {
		return LocalMedia{}, err
	}
	if media.URI == "" {
		return LocalMedia{}, fmt.Errorf("%w: recording produced no file", ErrDevice)
	}

	media.Kind = conversation.MediaAudio
	if media.DurationMs == 0 {
		media.DurationMs = c.now().Sub(h.Started).Milliseconds()
	}
	return media, nil
}

// Abandon drops the recording without producing media.
func (c *Capture) Abandon(h *RecordingHandle) error {
	c.mu.Lock()
	if h == nil || c.active != h {
		c.mu.Unlock()
		return ErrNotRecording
	}
	c.active = nil
	c.mu.Unlock()

	return h.take.Discard()
}

func (c *Capture) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bowerhall/medibuddy/internal/capture"
	"github.com/bowerhall/medibuddy/internal/conversation"
	"github.com/bowerhall/medibuddy/internal/gateway"
	"github.com/bowerhall/medibuddy/internal/playback"
	"github.com/bowerhall/medibuddy/internal/storage"
	"github.com/bowerhall/medibuddy/internal/variant"
)

var (
	// ErrBusy rejects a turn while the previous one is still in progress.
	ErrBusy = errors.New("still waiting for the previous reply")
	// ErrDiscarded means a result arrived after the user moved to another
	// conversation and was not applied.
	ErrDiscarded = errors.New("result belongs to an inactive conversation")
	ErrNoAudio   = errors.New("turn has no audio")
)

type State int

const (
	Idle State = iota
	AwaitingCapture
	Uploading
	AwaitingReply
	Recording
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingCapture:
		return "awaiting_capture"
	case Uploading:
		return "uploading"
	case AwaitingReply:
		return "awaiting_reply"
	case Recording:
		return "recording"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Kind int

const (
	PermissionDenied Kind = iota + 1
	CaptureFailed
	UploadFailed
	PersistenceFailed
	GatewayFailed
	PlaybackFailed
)

func (k Kind) String() string {
	switch k {
	case PermissionDenied:
		return "permission_denied"
	case CaptureFailed:
		return "capture_failed"
	case UploadFailed:
		return "upload_failed"
	case PersistenceFailed:
		return "persistence_failed"
	case GatewayFailed:
		return "gateway_failed"
	case PlaybackFailed:
		return "playback_failed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Failure is a non-fatal error surfaced to the user as a one-shot notice.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// KindOf returns the failure kind carried by err, or 0.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}

// Capturer is the media capture contract the controller drives.
type Capturer interface {
	CaptureImage(ctx context.Context) (capture.LocalMedia, error)
	StartRecording(ctx context.Context) (*capture.RecordingHandle, error)
	StopRecording(ctx context.Context, h *capture.RecordingHandle) (capture.LocalMedia, error)
	Abandon(h *capture.RecordingHandle) error
}

type Uploader interface {
	Upload(ctx context.Context, media capture.LocalMedia, ownerID string) (storage.RemoteRef, error)
}

// Deps are the collaborators one controller talks to.
type Deps struct {
	Store    conversation.Store
	Gateway  gateway.Gateway
	Uploader Uploader
	Capture  Capturer
	Playback *playback.Manager
	Catalog  *variant.Catalog
}

type Options struct {
	OwnerID string
	Variant variant.Key
	Lang    string
	// Resume reopens the latest session for the variant on start.
	Resume bool
}

// Hooks let the UI layer follow the transcript. They run on the goroutine
// that caused the change, outside the controller lock.
type Hooks struct {
	OnTurn     func(conversation.Turn)
	OnRetract  func(turnID string)
	OnState    func(State)
	OnReset    func(variant.Variant, []conversation.Turn)
	OnPlayback func(turnID string, state playback.State)
}

// Controller is the conversational state machine for one owner.
type Controller struct {
	deps  Deps
	opts  Options
	hooks Hooks
	now   func() time.Time

	mu         sync.Mutex
	variant    variant.Variant
	sessionID  string
	transcript []conversation.Turn
	state      State
	// epoch changes on every new chat, variant switch or replay. Work started
	// under an older epoch is not applied to the transcript.
	epoch     uint64
	busy      bool
	busyEpoch uint64
	recording *capture.RecordingHandle
}

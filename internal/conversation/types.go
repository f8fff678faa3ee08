package conversation

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrEmptyTurn = errors.New("turn has neither text nor media")
)

type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaAudio MediaKind = "audio"
)

// Media points at an image or recording. URI is a local path before upload
// and a public URL after.
type Media struct {
	Kind       MediaKind
	URI        string
	DurationMs int64
}

// Turn is one message in a conversation.
type Turn struct {
	ID string
	// ClientID is the optimistic id the turn was displayed under before the
	// store assigned ID.
	ClientID  string
	SessionID string
	Sender    Sender
	Text      string
	Media     *Media
	Timestamp time.Time
	// Ephemeral turns are shown but never persisted (greetings, error notices).
	Ephemeral bool
}

func (t Turn) Validate() error {
	if t.Text == "" && t.Media == nil {
		return ErrEmptyTurn
	}
	return nil
}

// MessageType maps the turn onto the stored message_type column.
func (t Turn) MessageType() string {
	if t.Media != nil {
		return string(t.Media.Kind)
	}
	return "text"
}

func (t Turn) mediaURL() string {
	if t.Media == nil {
		return ""
	}
	return t.Media.URI
}

func (t Turn) durationMs() int64 {
	if t.Media == nil {
		return 0
	}
	return t.Media.DurationMs
}

// restoreMedia rebuilds Media from stored columns.
func restoreMedia(messageType, url string, durationMs int64) *Media {
	switch MediaKind(messageType) {
	case MediaImage, MediaAudio:
		return &Media{Kind: MediaKind(messageType), URI: url, DurationMs: durationMs}
	default:
		return nil
	}
}

type Session struct {
	ID        string
	OwnerID   string
	Variant   string
	CreatedAt time.Time
}

// SessionSummary is a session plus its latest turn for previews. Last is nil
// for a session that never received a turn.
type SessionSummary struct {
	Session Session
	Last    *Turn
}

// Store persists sessions and their append-only turns. Callers serialize
// AppendTurn per session; the store neither reorders nor deduplicates.
type Store interface {
	CreateSession(ctx context.Context, ownerID, variant string) (string, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	AppendTurn(ctx context.Context, sessionID string, turn Turn) (Turn, error)
	ListRecentSessions(ctx context.Context, ownerID, variant string, limit int) ([]SessionSummary, error)
	LoadSession(ctx context.Context, sessionID string) ([]Turn, error)
}

const defaultListLimit = 10

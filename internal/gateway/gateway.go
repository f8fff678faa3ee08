// Package gateway sends one user turn to the remote assistant and returns
// its reply.
package gateway

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/bowerhall/medibuddy/internal/conversation"
	"github.com/bowerhall/medibuddy/internal/variant"
)

var (
	ErrTimeout     = errors.New("assistant timed out")
	ErrBadResponse = errors.New("bad assistant response")
	ErrUnsupported = errors.New("input not supported by this assistant")
)

const defaultTimeout = 60 * time.Second

// Request is one user turn bound for the assistant. LocalPath and MimeType
// point at the captured bytes of a media turn.
type Request struct {
	Variant   variant.Variant
	Turn      conversation.Turn
	LocalPath string
	MimeType  string
	Lang      string
}

type Reply struct {
	Text string
	// VoiceURL is an absolute URL to synthesized speech, if any.
	VoiceURL        string
	Recommendations []Recommendation
	// Transcription of the user's audio, when the input was a recording.
	Transcription string
}

// Gateway has at most one outstanding Send per session; the caller waits
// for a reply or error before sending the next turn.
type Gateway interface {
	Send(ctx context.Context, req Request) (*Reply, error)
}

// classify maps transport errors onto ErrTimeout where they are one.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Join(ErrTimeout, err)
	}
	return err
}

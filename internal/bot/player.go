package bot

import (
	"context"
	"fmt"

	"github.com/bowerhall/medibuddy/internal/playback"
)

// chatPlayer "plays" a voice reply by posting it to the chat; the platform
// client does the actual audio rendering.
type chatPlayer struct {
	chat   Chat
	chatID string
}

func (p *chatPlayer) Load(ctx context.Context, uri string) (playback.Sound, error) {
	if uri == "" {
		return nil, fmt.Errorf("%w: empty audio url", playback.ErrPlayback)
	}
	return &chatSound{player: p, uri: uri}, nil
}

type chatSound struct {
	player *chatPlayer
	uri    string
}

// Play finishes as soon as the chat accepted the audio.
func (s *chatSound) Play(ctx context.Context, onFinish func()) error {
	if err := s.player.chat.SendAudio(s.player.chatID, s.uri, ""); err != nil {
		return err
	}
	go onFinish()
	return nil
}

func (s *chatSound) Stop() error { return nil }

func (s *chatSound) Unload() error { return nil }

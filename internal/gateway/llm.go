package gateway

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bowerhall/medibuddy/internal/conversation"
	"github.com/bowerhall/medibuddy/internal/llm"
	"github.com/bowerhall/medibuddy/internal/logger"
)

// Assistant answers turns with a chat model directly, using the variant's
// system prompt. It handles text and image turns only.
type Assistant struct {
	model   llm.LLM
	timeout time.Duration
}

func NewAssistant(model llm.LLM, timeout time.Duration) *Assistant {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Assistant{model: model, timeout: timeout}
}

func (a *Assistant) Send(ctx context.Context, req Request) (*Reply, error) {
	msg := llm.Message{Role: "user", Content: req.Turn.Text}

	if media := req.Turn.Media; media != nil {
		if media.Kind != conversation.MediaImage {
			return nil, fmt.Errorf("%w: %s turns need the inference backend", ErrUnsupported, media.Kind)
		}
		if !req.Variant.AcceptsImages {
			return nil, fmt.Errorf("%w: %s does not accept images", ErrUnsupported, req.Variant.Name)
		}
		if req.LocalPath == "" {
			return nil, fmt.Errorf("%w: image turn has no local file", ErrUnsupported)
		}
		data, err := os.ReadFile(strings.TrimPrefix(req.LocalPath, "file://"))
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		mediaType := req.MimeType
		if mediaType == "" {
			mediaType = "image/jpeg"
		}
		msg.Images = []llm.ImageContent{{Data: data, MediaType: mediaType}}
		if msg.Content == "" {
			msg.Content = "Please look at this image."
		}
	} else if strings.TrimSpace(msg.Content) == "" {
		return nil, fmt.Errorf("%w: empty text", ErrUnsupported)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	text, err := a.model.Chat(ctx, req.Variant.SystemPrompt, []llm.Message{msg})
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("%s: %w", a.model.Provider(), err))
	}
	logger.Debug("assistant replied", "provider", a.model.Provider(), "model", a.model.Model(), "variant", req.Variant.Key, "took", time.Since(start))

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty reply from %s", ErrBadResponse, a.model.Provider())
	}
	return &Reply{Text: text}, nil
}

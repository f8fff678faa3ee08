// Package bot puts the chat session behind Telegram or Discord.
package bot

import (
	"context"
	"fmt"

	"github.com/bowerhall/medibuddy/internal/conversation"
	"github.com/bowerhall/medibuddy/internal/gateway"
	"github.com/bowerhall/medibuddy/internal/session"
	"github.com/bowerhall/medibuddy/internal/variant"
)

type Bot interface {
	Start(ctx context.Context) error
}

type Config struct {
	Provider string
	Token    string
}

// Stack is what every chat controller is built from.
type Stack struct {
	Store    conversation.Store
	Gateway  gateway.Gateway
	Uploader session.Uploader
	Catalog  *variant.Catalog
	Variant  variant.Key
	Lang     string
	SpoolDir string
	Resume   bool
}

func New(cfg Config, stack Stack) (Bot, error) {
	switch cfg.Provider {
	case "telegram":
		return newTelegram(cfg.Token, stack)
	case "discord":
		return newDiscord(cfg.Token, stack)
	default:
		return nil, fmt.Errorf("unknown bot provider: %s", cfg.Provider)
	}
}

package bot

import (
	"context"
	"strings"

	"github.com/bowerhall/medibuddy/internal/logger"
	"github.com/bwmarrin/discordgo"
)

type discord struct {
	session *discordgo.Session
	router  *router
	ctx     context.Context
}

func newDiscord(token string, stack Stack) (Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	d := &discord{session: session}
	d.router = newRouter("discord", stack, d)

	session.AddHandler(d.handleMessage)

	return d, nil
}

func (d *discord) Start(ctx context.Context) error {
	d.ctx = ctx
	defer d.router.close()

	if err := d.session.Open(); err != nil {
		return err
	}

	<-ctx.Done()
	return d.session.Close()
}

func (d *discord) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID {
		return
	}

	in := incoming{
		ChatID: m.ChannelID,
		From:   m.Author.Username,
		Text:   m.Content,
	}

	for _, a := range m.Attachments {
		switch {
		case in.Image == nil && strings.HasPrefix(a.ContentType, "image/"):
			data, mediaType, err := download(d.ctx, a.URL)
			if err != nil {
				logger.Error("failed to download attachment", "error", err, "file", a.Filename)
				d.SendText(m.ChannelID, "Sorry, I couldn't read that image.")
				return
			}
			in.Image = &attachment{Data: data, MimeType: mediaType}
		case in.Audio == nil && strings.HasPrefix(a.ContentType, "audio/"):
			data, _, err := download(d.ctx, a.URL)
			if err != nil {
				logger.Error("failed to download attachment", "error", err, "file", a.Filename)
				d.SendText(m.ChannelID, "Sorry, I couldn't read that voice message.")
				return
			}
			in.Audio = &attachment{Data: data, MimeType: a.ContentType}
		}
	}

	// a voice note wins over a photo sent in the same message
	if in.Audio != nil {
		in.Image = nil
	}

	d.router.handle(d.ctx, in)
}

func (d *discord) SendText(chatID, text string) error {
	if _, err := d.session.ChannelMessageSend(chatID, text); err != nil {
		logger.Error("discord send failed", "error", err, "channelID", chatID)
		return err
	}
	logger.Info("discord message sent", "channelID", chatID, "chars", len(text))
	return nil
}

// SendAudio posts the link; Discord renders an inline player for it.
func (d *discord) SendAudio(chatID, url, caption string) error {
	content := url
	if caption != "" {
		content = caption + "\n" + url
	}
	return d.SendText(chatID, content)
}

func (d *discord) SendTyping(chatID string) error {
	return d.session.ChannelTyping(chatID)
}

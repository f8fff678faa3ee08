package bot

import (
	"context"
	"strconv"
	"time"

	"github.com/bowerhall/medibuddy/internal/logger"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type telegram struct {
	api    *tgbotapi.BotAPI
	router *router
}

func newTelegram(token string, stack Stack) (Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	t := &telegram{api: api}
	t.router = newRouter("telegram", stack, t)
	return t, nil
}

func (t *telegram) Start(ctx context.Context) error {
	defer t.router.close()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.api.StopReceivingUpdates()
			return ctx.Err()
		case update := <-updates:
			if update.Message == nil {
				continue
			}

			go t.handleMessage(ctx, update.Message)
		}
	}
}

func (t *telegram) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	in := incoming{
		ChatID: strconv.FormatInt(msg.Chat.ID, 10),
		Text:   msg.Text,
	}
	if msg.From != nil {
		in.From = msg.From.UserName
	}

	switch {
	case len(msg.Photo) > 0:
		photo := msg.Photo[len(msg.Photo)-1]
		in.Text = msg.Caption

		data, mediaType, err := t.downloadFile(ctx, photo.FileID)
		if err != nil {
			logger.Error("failed to download photo", "error", err)
			t.SendText(in.ChatID, "Sorry, I couldn't read that photo.")
			return
		}
		in.Image = &attachment{Data: data, MimeType: mediaType}
	case msg.Voice != nil:
		audio, err := t.audio(ctx, msg.Voice.FileID, msg.Voice.MimeType, msg.Voice.Duration)
		if err != nil {
			logger.Error("failed to download voice", "error", err)
			t.SendText(in.ChatID, "Sorry, I couldn't read that voice message.")
			return
		}
		in.Audio = audio
	case msg.Audio != nil:
		audio, err := t.audio(ctx, msg.Audio.FileID, msg.Audio.MimeType, msg.Audio.Duration)
		if err != nil {
			logger.Error("failed to download audio", "error", err)
			t.SendText(in.ChatID, "Sorry, I couldn't read that audio file.")
			return
		}
		in.Audio = audio
	}

	t.router.handle(ctx, in)
}

func (t *telegram) audio(ctx context.Context, fileID, mimeType string, seconds int) (*attachment, error) {
	data, detected, err := t.downloadFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	// telegram serves voice notes as octet-stream; its own mime is better
	if mimeType == "" {
		mimeType = detected
	}
	return &attachment{Data: data, MimeType: mimeType, Duration: time.Duration(seconds) * time.Second}, nil
}

func (t *telegram) downloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := t.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", err
	}

	return download(ctx, file.Link(t.api.Token))
}

func (t *telegram) SendText(chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return err
	}

	if _, err := t.api.Send(tgbotapi.NewMessage(id, text)); err != nil {
		logger.Error("send failed", "error", err, "chatID", chatID)
		return err
	}
	logger.Info("reply sent", "chatID", chatID, "chars", len(text))
	return nil
}

func (t *telegram) SendAudio(chatID, url, caption string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return err
	}

	msg := tgbotapi.NewAudio(id, tgbotapi.FileURL(url))
	msg.Caption = caption
	if _, err := t.api.Send(msg); err != nil {
		logger.Error("send audio failed", "error", err, "chatID", chatID)
		return err
	}
	logger.Info("audio sent", "chatID", chatID, "caption", truncate(caption, 50))
	return nil
}

func (t *telegram) SendTyping(chatID string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return err
	}

	_, err = t.api.Request(tgbotapi.NewChatAction(id, tgbotapi.ChatTyping))
	return err
}

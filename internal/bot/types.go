package bot

import "time"

// Chat is the outbound side of a platform. chatID is the platform's own id.
type Chat interface {
	SendText(chatID, text string) error
	SendAudio(chatID, url, caption string) error
	SendTyping(chatID string) error
}

type attachment struct {
	Data     []byte
	MimeType string
	Duration time.Duration
}

// incoming is one platform message, already downloaded.
type incoming struct {
	ChatID string
	From   string
	Text   string
	Image  *attachment
	Audio  *attachment
}

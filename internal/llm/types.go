package llm

import "context"

type Config struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

type ImageContent struct {
	Data      []byte
	MediaType string
}

type Message struct {
	Role    string
	Content string
	Images  []ImageContent
}

type LLM interface {
	Chat(ctx context.Context, systemPrompt string, messages []Message) (string, error)
	Provider() string
	Model() string
}

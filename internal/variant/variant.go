// Package variant defines the closed set of assistant personalities a user
// can chat with, their greetings and how each is routed to the gateway.
package variant

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bowerhall/medibuddy/internal/conversation"
)

type Key string

const (
	Medical   Key = "medical"
	Therapist Key = "therapist"
)

var ErrUnknown = errors.New("unknown assistant variant")

// Keys lists every variant in display order.
func Keys() []Key {
	return []Key{Medical, Therapist}
}

func Parse(s string) (Key, error) {
	for _, k := range Keys() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknown, s)
}

type Variant struct {
	Key  Key
	Name string
	// Greeting lines shown at the top of a fresh transcript.
	Greeting []string
	// Route is the inference service path, e.g. "/doctor".
	Route string
	// ReplyField names the JSON field carrying the reply text.
	ReplyField string
	// SystemPrompt is used when the gateway talks to an LLM directly.
	SystemPrompt  string
	AcceptsImages bool
}

// GreetingTurns builds fresh ephemeral assistant turns for the greeting.
func (v Variant) GreetingTurns(now time.Time) []conversation.Turn {
	turns := make([]conversation.Turn, 0, len(v.Greeting))
	for i, line := range v.Greeting {
		turns = append(turns, conversation.Turn{
			ID:        fmt.Sprintf("greeting-%s-%d", v.Key, i),
			Sender:    conversation.SenderAssistant,
			Text:      line,
			Timestamp: now,
			Ephemeral: true,
		})
	}
	return turns
}

func defaults() map[Key]Variant {
	return map[Key]Variant{
		Medical: {
			Key:  Medical,
			Name: "MediBuddy",
			Greeting: []string{
				"Hello! I'm your MediBuddy, your personal healthcare assistant. How can I help you today?",
				"You can send me messages, images, or voice recordings about your health concerns.",
			},
			Route:      "/doctor",
			ReplyField: "doctor_response",
			SystemPrompt: "You are MediBuddy, a careful medical assistant. Describe what you observe, " +
				"suggest likely causes and next steps, and recommend seeing a doctor when symptoms are serious. " +
				"Keep answers short and plain.",
			AcceptsImages: true,
		},
		Therapist: {
			Key:  Therapist,
			Name: "AI Therapist",
			Greeting: []string{
				"Hi, I'm Alex. This is a safe space. What's on your mind today?",
			},
			Route:      "/therapist",
			ReplyField: "therapist_response",
			SystemPrompt: "You are a compassionate human therapist named Alex having a warm conversation. " +
				"Respond in a natural, caring way. Limit responses to 3-4 sentences.",
			AcceptsImages: false,
		},
	}
}

// Catalog resolves variant keys to their definitions.
type Catalog struct {
	variants map[Key]Variant
}

// DefaultCatalog returns the built-in variants.
func DefaultCatalog() *Catalog {
	return &Catalog{variants: defaults()}
}

func (c *Catalog) Get(k Key) (Variant, error) {
	v, ok := c.variants[k]
	if !ok {
		return Variant{}, fmt.Errorf("%w: %q", ErrUnknown, k)
	}
	return v, nil
}

// All returns the variants in display order.
func (c *Catalog) All() []Variant {
	out := make([]Variant, 0, len(c.variants))
	for _, k := range Keys() {
		out = append(out, c.variants[k])
	}
	return out
}

// override is one entry of the YAML catalog file. Empty fields keep the
// built-in value.
type override struct {
	Name          string   `yaml:"name"`
	Greeting      []string `yaml:"greeting"`
	Route         string   `yaml:"route"`
	ReplyField    string   `yaml:"reply_field"`
	SystemPrompt  string   `yaml:"system_prompt"`
	AcceptsImages *bool    `yaml:"accepts_images"`
}

// LoadCatalog reads variant overrides from a YAML file keyed by variant key.
// An empty path returns the defaults.
func LoadCatalog(path string) (*Catalog, error) {
	c := DefaultCatalog()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read variants file: %w", err)
	}

	if err := c.apply(data); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) apply(data []byte) error {
	var file map[string]override
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse variants file: %w", err)
	}

	keys := make([]string, 0, len(file))
	for k := range file {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, raw := range keys {
		k, err := Parse(raw)
		if err != nil {
			return err
		}
		o := file[raw]
		v := c.variants[k]

		if o.Name != "" {
			v.Name = o.Name
		}
		if len(o.Greeting) > 0 {
			v.Greeting = o.Greeting
		}
		if o.Route != "" {
			v.Route = o.Route
		}
		if o.ReplyField != "" {
			v.ReplyField = o.ReplyField
		}
		if o.SystemPrompt != "" {
			v.SystemPrompt = o.SystemPrompt
		}
		if o.AcceptsImages != nil {
			v.AcceptsImages = *o.AcceptsImages
		}
		c.variants[k] = v
	}
	return nil
}

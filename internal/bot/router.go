package bot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/bowerhall/medibuddy/internal/capture"
	"github.com/bowerhall/medibuddy/internal/conversation"
	"github.com/bowerhall/medibuddy/internal/logger"
	"github.com/bowerhall/medibuddy/internal/playback"
	"github.com/bowerhall/medibuddy/internal/session"
	"github.com/bowerhall/medibuddy/internal/variant"
)

const (
	historyLimit = 5
	replayLimit  = 10
)

// router turns platform messages into controller calls and sends the
// resulting turns back.
type router struct {
	platform string
	stack    Stack
	chat     Chat
	registry *session.Registry

	mu      sync.Mutex
	inboxes map[string]*capture.Inbox
	// turns serializes message handling per owner: the inbox has one image
	// and one audio slot, so a message's media must be staged and consumed
	// before the next message from the same chat touches it.
	turns map[string]*sync.Mutex
}

func newRouter(platform string, stack Stack, chat Chat) *router {
	if stack.Catalog == nil {
		stack.Catalog = variant.DefaultCatalog()
	}
	r := &router{
		platform: platform,
		stack:    stack,
		chat:     chat,
		inboxes:  make(map[string]*capture.Inbox),
		turns:    make(map[string]*sync.Mutex),
	}
	r.registry = session.NewRegistry(r.build)
	return r
}

func (r *router) owner(chatID string) string {
	return r.platform + ":" + chatID
}

func (r *router) chatID(owner string) string {
	return strings.TrimPrefix(owner, r.platform+":")
}

func (r *router) build(owner string) (*session.Controller, error) {
	inbox := capture.NewInbox(filepath.Join(r.stack.SpoolDir, strings.ReplaceAll(owner, ":", "_")))

	r.mu.Lock()
	r.inboxes[owner] = inbox
	r.mu.Unlock()

	return session.New(session.Deps{
		Store:    r.stack.Store,
		Gateway:  r.stack.Gateway,
		Uploader: r.stack.Uploader,
		Capture:  capture.New(inbox, inbox),
		Playback: playback.NewManager(&chatPlayer{chat: r.chat, chatID: r.chatID(owner)}),
		Catalog:  r.stack.Catalog,
	}, session.Options{
		OwnerID: owner,
		Variant: r.stack.Variant,
		Lang:    r.stack.Lang,
		Resume:  r.stack.Resume,
	}, session.Hooks{})
}

func (r *router) inbox(owner string) *capture.Inbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inboxes[owner]
}

func (r *router) turnLock(owner string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.turns[owner]
	if !ok {
		l = &sync.Mutex{}
		r.turns[owner] = l
	}
	return l
}

func (r *router) close() {
	r.registry.Close()
}

func (r *router) handle(ctx context.Context, in incoming) {
	owner := r.owner(in.ChatID)
	log := logger.With("owner", owner, "from", in.From)

	c, err := r.registry.Get(ctx, owner)
	if err != nil {
		log.Error("controller unavailable", "error", err)
		r.send(in.ChatID, "Something went wrong.")
		return
	}

	if cmd, args, ok := parseCommand(in.Text); ok && in.Image == nil && in.Audio == nil {
		log.Info("command received", "command", cmd)
		r.command(ctx, c, in.ChatID, cmd, args)
		return
	}

	// commands skip the lock so /new can abandon a turn that is still waiting
	lock := r.turnLock(owner)
	lock.Lock()
	defer lock.Unlock()

	r.chat.SendTyping(in.ChatID)

	var turns []conversation.Turn
	switch {
	case in.Image != nil:
		log.Info("photo received", "caption", truncate(in.Text, 50))
		inbox := r.inbox(owner)
		if err := inbox.PutImage(in.Image.Data, in.Image.MimeType); err != nil {
			r.notify(in.ChatID, &session.Failure{Kind: session.CaptureFailed, Err: err})
			return
		}
		turns, err = c.SubmitImage(ctx, in.Text)
	case in.Audio != nil:
		log.Info("voice received", "duration", in.Audio.Duration)
		turns, err = r.voice(ctx, c, owner, in.Audio)
	default:
		log.Info("message received", "text", truncate(in.Text, 50))
		turns, err = c.SubmitText(ctx, in.Text)
	}

	r.deliver(in.ChatID, turns)
	if err != nil {
		r.notify(in.ChatID, err)
	}
}

// voice replays a finished voice note through the two-phase recorder.
func (r *router) voice(ctx context.Context, c *session.Controller, owner string, audio *attachment) ([]conversation.Turn, error) {
	if c.State() == session.Recording {
		return nil, session.ErrBusy
	}
	if err := c.StartRecording(ctx); err != nil {
		return nil, err
	}

	if err := r.inbox(owner).PutAudio(audio.Data, audio.MimeType, audio.Duration); err != nil {
		c.AbandonRecording()
		return nil, &session.Failure{Kind: session.CaptureFailed, Err: err}
	}
	return c.StopRecording(ctx)
}

func parseCommand(text string) (string, string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	cmd, args, _ := strings.Cut(text[1:], " ")
	// telegram appends @botname in groups
	cmd, _, _ = strings.Cut(cmd, "@")
	return strings.ToLower(cmd), strings.TrimSpace(args), true
}

func (r *router) command(ctx context.Context, c *session.Controller, chatID, cmd, args string) {
	switch cmd {
	case "start", "new":
		c.NewChat()
		r.greet(chatID, c)
	case "variant":
		if args == "" {
			r.send(chatID, r.variantList(c))
			return
		}
		key, err := variant.Parse(strings.ToLower(args))
		if err == nil {
			err = c.SwitchVariant(key)
		}
		if err != nil {
			r.send(chatID, "Unknown assistant. "+r.variantList(c))
			return
		}
		r.greet(chatID, c)
	case "history":
		r.history(ctx, c, chatID)
	case "open":
		if args == "" {
			r.send(chatID, "Usage: /open <conversation id>")
			return
		}
		turns, err := c.OpenSession(ctx, args)
		if err != nil {
			r.notify(chatID, err)
			return
		}
		r.replay(chatID, c, turns)
	case "play":
		r.play(ctx, c, chatID, args)
	default:
		r.send(chatID, "Commands: /new, /variant <name>, /history, /open <id>, /play <n>")
	}
}

func (r *router) greet(chatID string, c *session.Controller) {
	for _, turn := range c.Transcript() {
		r.send(chatID, turn.Text)
	}
}

func (r *router) variantList(c *session.Controller) string {
	current := c.Variant().Key
	var b strings.Builder
	b.WriteString("Available assistants:")
	for _, v := range r.stack.Catalog.All() {
		marker := ""
		if v.Key == current {
			marker = " (current)"
		}
		fmt.Fprintf(&b, "\n/variant %s: %s%s", v.Key, v.Name, marker)
	}
	return b.String()
}

func (r *router) history(ctx context.Context, c *session.Controller, chatID string) {
	summaries, err := c.RecentSessions(ctx, historyLimit)
	if err != nil {
		r.notify(chatID, err)
		return
	}
	if len(summaries) == 0 {
		r.send(chatID, "No past conversations with "+c.Variant().Name+" yet.")
		return
	}

	var b strings.Builder
	b.WriteString("Recent conversations:")
	for _, s := range summaries {
		preview := "(empty)"
		if s.Last != nil {
			preview = truncate(describe(*s.Last), 60)
		}
		fmt.Fprintf(&b, "\n/open %s\n  %s: %s", s.Session.ID, s.Session.CreatedAt.Format("Jan 2 15:04"), preview)
	}
	r.send(chatID, b.String())
}

func (r *router) replay(chatID string, c *session.Controller, turns []conversation.Turn) {
	r.send(chatID, fmt.Sprintf("Opened conversation with %s (%d messages).", c.Variant().Name, len(turns)))

	start := 0
	if len(turns) > replayLimit {
		start = len(turns) - replayLimit
	}
	for _, turn := range turns[start:] {
		who := "You"
		if turn.Sender == conversation.SenderAssistant {
			who = c.Variant().Name
		}
		r.send(chatID, who+": "+describe(turn))
	}
}

func (r *router) play(ctx context.Context, c *session.Controller, chatID, args string) {
	audio := c.AudioTurns()
	if len(audio) == 0 {
		r.send(chatID, "There are no voice messages in this conversation.")
		return
	}

	n := len(audio)
	if args != "" {
		var err error
		n, err = strconv.Atoi(args)
		if err != nil || n < 1 || n > len(audio) {
			r.send(chatID, fmt.Sprintf("Pick a voice message between 1 and %d.", len(audio)))
			return
		}
	}

	state, err := c.TogglePlayback(ctx, audio[n-1].ID)
	if err != nil {
		r.notify(chatID, err)
		return
	}
	if state == playback.Stopped {
		r.send(chatID, "Stopped.")
	}
}

// deliver sends the assistant turns of a result back to the chat. User turns
// are already visible on the platform.
func (r *router) deliver(chatID string, turns []conversation.Turn) {
	for _, turn := range turns {
		if turn.Sender != conversation.SenderAssistant {
			continue
		}
		if turn.Media != nil && turn.Media.Kind == conversation.MediaAudio {
			if err := r.chat.SendAudio(chatID, turn.Media.URI, turn.Text); err == nil {
				continue
			}
		}
		r.send(chatID, turn.Text)
	}
}

func (r *router) notify(chatID string, err error) {
	if msg := noticeFor(err); msg != "" {
		r.send(chatID, msg)
	}
}

// noticeFor maps an error to the one-shot notice shown to the user. Gateway
// failures already produced an assistant turn and get no extra notice.
func noticeFor(err error) string {
	switch {
	case err == nil, errors.Is(err, session.ErrDiscarded):
		return ""
	case errors.Is(err, session.ErrBusy):
		return "Please wait for my reply to your last message."
	case errors.Is(err, conversation.ErrEmptyTurn):
		return "Please send a message, photo or voice note."
	}

	var f *session.Failure
	if !errors.As(err, &f) {
		return "Something went wrong."
	}

	switch f.Kind {
	case session.PermissionDenied:
		return "I wasn't allowed to access that media."
	case session.CaptureFailed:
		if errors.Is(f.Err, capture.ErrNotRecording) || errors.Is(f.Err, capture.ErrDevice) {
			return "Sorry, I couldn't read that file."
		}
		return "Sorry, " + f.Err.Error() + "."
	case session.UploadFailed:
		return "Sorry, I couldn't upload your file. Please try again."
	case session.PersistenceFailed:
		if errors.Is(f.Err, conversation.ErrNotFound) {
			return "I couldn't find that conversation."
		}
		return "Sorry, I couldn't save your message. Please try again."
	case session.PlaybackFailed:
		return "Sorry, I couldn't play that voice message."
	}
	return ""
}

func describe(t conversation.Turn) string {
	if t.Text != "" {
		return t.Text
	}
	if t.Media != nil {
		return "[" + string(t.Media.Kind) + "]"
	}
	return ""
}

func (r *router) send(chatID, text string) {
	if text == "" {
		return
	}
	if err := r.chat.SendText(chatID, text); err != nil {
		logger.Warn("message not delivered", "error", err, "chatID", chatID)
	}
}

package bot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/bowerhall/medibuddy/internal/capture"
	"github.com/bowerhall/medibuddy/internal/conversation"
	"github.com/bowerhall/medibuddy/internal/gateway"
	"github.com/bowerhall/medibuddy/internal/logger"
	"github.com/bowerhall/medibuddy/internal/session"
	"github.com/bowerhall/medibuddy/internal/storage"
	"github.com/bowerhall/medibuddy/internal/variant"
)

type sent struct {
	chatID  string
	kind    string
	text    string
	url     string
	caption string
}

type fakeChat struct {
	mu     sync.Mutex
	sent   []sent
	typing int
	// textErr makes SendText fail
	textErr error
}

func (c *fakeChat) SendText(chatID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.textErr != nil {
		return c.textErr
	}
	c.sent = append(c.sent, sent{chatID: chatID, kind: "text", text: text})
	return nil
}

func (c *fakeChat) SendAudio(chatID, url, caption string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sent{chatID: chatID, kind: "audio", url: url, caption: caption})
	return nil
}

func (c *fakeChat) SendTyping(chatID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing++
	return nil
}

func (c *fakeChat) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, s := range c.sent {
		if s.kind == "text" {
			out = append(out, s.text)
		}
	}
	return out
}

func (c *fakeChat) last() sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return sent{}
	}
	return c.sent[len(c.sent)-1]
}

func (c *fakeChat) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

type stubGateway struct {
	mu       sync.Mutex
	requests []gateway.Request
	reply    func(gateway.Request) (*gateway.Reply, error)
}

func (g *stubGateway) Send(ctx context.Context, req gateway.Request) (*gateway.Reply, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if g.reply != nil {
		return g.reply(req)
	}
	return &gateway.Reply{Text: "echo: " + req.Turn.Text}, nil
}

type stubUploader struct {
	mu    sync.Mutex
	n     int
	kinds []conversation.MediaKind
	// bodies maps each returned URL to the bytes read from the spool file
	bodies map[string]string
}

func (u *stubUploader) Upload(ctx context.Context, media capture.LocalMedia, ownerID string) (storage.RemoteRef, error) {
	data, err := os.ReadFile(media.URI)
	if err != nil {
		return storage.RemoteRef{}, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.n++
	u.kinds = append(u.kinds, media.Kind)
	path := fmt.Sprintf("%s/%ss/%d", ownerID, media.Kind, u.n)
	url := "https://blobs.test/" + path
	if u.bodies == nil {
		u.bodies = make(map[string]string)
	}
	u.bodies[url] = string(data)
	return storage.RemoteRef{URL: url, Path: path}, nil
}

func (u *stubUploader) body(url string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.bodies[url]
}

type testBot struct {
	router   *router
	chat     *fakeChat
	gateway  *stubGateway
	uploader *stubUploader
	store    *conversation.SQLiteStore
}

func newTestStore(t *testing.T) *conversation.SQLiteStore {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := conversation.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func newTestBot(t *testing.T) *testBot {
	t.Helper()

	b := &testBot{
		chat:     &fakeChat{},
		gateway:  &stubGateway{},
		uploader: &stubUploader{},
		store:    newTestStore(t),
	}
	b.router = newRouter("telegram", Stack{
		Store:    b.store,
		Gateway:  b.gateway,
		Uploader: b.uploader,
		Variant:  variant.Medical,
		Lang:     "en",
		SpoolDir: t.TempDir(),
	}, b.chat)
	t.Cleanup(b.router.close)
	return b
}

func (b *testBot) say(text string) {
	b.router.handle(context.Background(), incoming{ChatID: "42", From: "alice", Text: text})
}

func contains(texts []string, sub string) bool {
	for _, s := range texts {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func TestRouterText(t *testing.T) {
	b := newTestBot(t)

	b.say("I have a headache")

	got := b.chat.last()
	if got.kind != "text" || got.text != "echo: I have a headache" {
		t.Fatalf("unexpected reply %+v", got)
	}
	if b.chat.typing != 1 {
		t.Errorf("expected one typing action, got %d", b.chat.typing)
	}

	summaries, err := b.store.ListRecentSessions(context.Background(), "telegram:42", "medical", 10)
	if err != nil {
		t.Fatalf("ListRecentSessions: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected one session, got %d", len(summaries))
	}
	turns, err := b.store.LoadSession(context.Background(), summaries[0].Session.ID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if len(turns) != 2 || turns[0].Sender != conversation.SenderUser || turns[1].Text != "echo: I have a headache" {
		t.Errorf("unexpected stored turns %+v", turns)
	}
}

func TestRouterVoiceReply(t *testing.T) {
	b := newTestBot(t)
	b.gateway.reply = func(req gateway.Request) (*gateway.Reply, error) {
		return &gateway.Reply{Text: "Rest and drink water.", VoiceURL: "https://tts.test/r.mp3"}, nil
	}

	b.say("headache")

	got := b.chat.last()
	if got.kind != "audio" || got.url != "https://tts.test/r.mp3" || got.caption != "Rest and drink water." {
		t.Fatalf("expected audio reply, got %+v", got)
	}
}

func TestRouterRecommendations(t *testing.T) {
	b := newTestBot(t)
	b.gateway.reply = func(req gateway.Request) (*gateway.Reply, error) {
		return &gateway.Reply{
			Text: "See a neurologist.",
			Recommendations: []gateway.Recommendation{
				{Name: "Dr. Rao", Specialization: "Neurology", Location: "Pune", Fees: "500"},
			},
		}, nil
	}

	b.say("migraine")

	texts := b.chat.texts()
	if !contains(texts, "See a neurologist.") || !contains(texts, "Dr. Rao") {
		t.Errorf("expected reply and recommendations, got %q", texts)
	}
}

func TestRouterGatewayFailure(t *testing.T) {
	b := newTestBot(t)
	b.gateway.reply = func(req gateway.Request) (*gateway.Reply, error) {
		return nil, gateway.ErrTimeout
	}

	b.say("hello")

	texts := b.chat.texts()
	if len(texts) != 1 || !strings.Contains(texts[0], "too long") {
		t.Errorf("expected a single timeout notice, got %q", texts)
	}
}

func TestRouterUndeliveredReplyIsLoggedAsWarning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medibuddy.log")
	closeLog, err := logger.SetFile(path)
	if err != nil {
		t.Fatalf("SetFile: %v", err)
	}
	t.Cleanup(func() { closeLog() })

	b := newTestBot(t)
	b.chat.textErr = errors.New("bot was blocked by the user")

	b.say("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	var found bool
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if strings.Contains(line, `"msg":"message not delivered"`) {
			found = true
			if !strings.Contains(line, `"level":"WARN"`) || !strings.Contains(line, "bot was blocked") {
				t.Errorf("unexpected log record %s", line)
			}
		}
	}
	if !found {
		t.Errorf("expected an undelivered message record, got %s", data)
	}
}

func TestRouterPhoto(t *testing.T) {
	b := newTestBot(t)

	b.router.handle(context.Background(), incoming{
		ChatID: "42",
		Text:   "what is this rash",
		Image:  &attachment{Data: []byte("\x89PNG\r\n\x1a\nfake"), MimeType: "image/png"},
	})

	if len(b.uploader.kinds) != 1 || b.uploader.kinds[0] != conversation.MediaImage {
		t.Fatalf("expected one image upload, got %v", b.uploader.kinds)
	}
	if len(b.gateway.requests) != 1 {
		t.Fatalf("expected one gateway call, got %d", len(b.gateway.requests))
	}
	req := b.gateway.requests[0]
	if req.MimeType != "image/png" || req.Turn.Text != "what is this rash" || req.Turn.Media == nil {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestRouterPhotoRejectedByTherapist(t *testing.T) {
	b := newTestBot(t)
	b.say("/variant therapist")
	b.chat.reset()

	b.router.handle(context.Background(), incoming{
		ChatID: "42",
		Image:  &attachment{Data: []byte("img"), MimeType: "image/jpeg"},
	})

	if len(b.uploader.kinds) != 0 || len(b.gateway.requests) != 0 {
		t.Fatalf("image should not reach upload or gateway")
	}
	if !contains(b.chat.texts(), "does not accept images") {
		t.Errorf("expected rejection notice, got %q", b.chat.texts())
	}
}

func TestRouterVoice(t *testing.T) {
	b := newTestBot(t)

	b.router.handle(context.Background(), incoming{
		ChatID: "42",
		Audio:  &attachment{Data: make([]byte, 2048), MimeType: "audio/ogg", Duration: 5 * time.Second},
	})

	if len(b.uploader.kinds) != 1 || b.uploader.kinds[0] != conversation.MediaAudio {
		t.Fatalf("expected one audio upload, got %v", b.uploader.kinds)
	}
	if len(b.gateway.requests) != 1 {
		t.Fatalf("expected one gateway call, got %d", len(b.gateway.requests))
	}
	media := b.gateway.requests[0].Turn.Media
	if media == nil || media.Kind != conversation.MediaAudio || media.DurationMs != 5000 {
		t.Errorf("unexpected audio media %+v", media)
	}
}

func TestRouterConcurrentPhotosKeepTheirCaptions(t *testing.T) {
	b := newTestBot(t)
	b.gateway.reply = func(req gateway.Request) (*gateway.Reply, error) {
		time.Sleep(20 * time.Millisecond)
		return &gateway.Reply{Text: "seen"}, nil
	}

	photos := map[string]string{
		"caption-A": "photo-A",
		"caption-B": "photo-B",
		"caption-C": "photo-C",
	}

	var wg sync.WaitGroup
	for caption, body := range photos {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.router.handle(context.Background(), incoming{
				ChatID: "42",
				Text:   caption,
				Image:  &attachment{Data: []byte(body), MimeType: "image/jpeg"},
			})
		}()
	}
	wg.Wait()

	if len(b.gateway.requests) != len(photos) {
		t.Fatalf("expected %d gateway calls, got %d", len(photos), len(b.gateway.requests))
	}
	seen := make(map[string]bool)
	for _, req := range b.gateway.requests {
		got := b.uploader.body(req.Turn.Media.URI)
		if want := photos[req.Turn.Text]; got != want {
			t.Errorf("caption %q was sent with %q, want %q", req.Turn.Text, got, want)
		}
		seen[got] = true
	}
	if len(seen) != len(photos) {
		t.Errorf("expected every photo to be uploaded once, got %v", seen)
	}
	if contains(b.chat.texts(), "Please wait") {
		t.Errorf("queued photos should not be rejected, got %q", b.chat.texts())
	}
}

func TestRouterConcurrentVoiceNotesKeepTheirAudio(t *testing.T) {
	b := newTestBot(t)
	b.gateway.reply = func(req gateway.Request) (*gateway.Reply, error) {
		time.Sleep(20 * time.Millisecond)
		return &gateway.Reply{Text: "heard"}, nil
	}

	notes := []struct {
		fill     byte
		duration time.Duration
	}{
		{'a', 2 * time.Second},
		{'b', 4 * time.Second},
	}

	var wg sync.WaitGroup
	for _, n := range notes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data := []byte(strings.Repeat(string(n.fill), 2048))
			b.router.handle(context.Background(), incoming{
				ChatID: "42",
				Audio:  &attachment{Data: data, MimeType: "audio/ogg", Duration: n.duration},
			})
		}()
	}
	wg.Wait()

	if len(b.gateway.requests) != len(notes) {
		t.Fatalf("expected %d gateway calls, got %d", len(notes), len(b.gateway.requests))
	}
	for _, req := range b.gateway.requests {
		body := b.uploader.body(req.Turn.Media.URI)
		if body == "" {
			t.Fatalf("no upload recorded for %s", req.Turn.Media.URI)
		}
		var want int64
		switch body[0] {
		case 'a':
			want = 2000
		case 'b':
			want = 4000
		}
		if req.Turn.Media.DurationMs != want {
			t.Errorf("audio %q sent with duration %d, want %d", body[:1], req.Turn.Media.DurationMs, want)
		}
	}
	if b.uploader.body(b.gateway.requests[0].Turn.Media.URI) == b.uploader.body(b.gateway.requests[1].Turn.Media.URI) {
		t.Error("both turns carried the same recording")
	}
}

func TestRouterHistoryPreviewStaysValidUTF8(t *testing.T) {
	b := newTestBot(t)

	b.say(strings.Repeat("सिर दर्द ", 10))
	b.say("/new")
	b.chat.reset()
	b.say("/history")

	texts := b.chat.texts()
	if len(texts) != 1 {
		t.Fatalf("expected one history message, got %q", texts)
	}
	if !utf8.ValidString(texts[0]) {
		t.Errorf("history message is invalid UTF-8: %q", texts[0])
	}
	if !strings.Contains(texts[0], "echo: सिर दर्द") || !strings.HasSuffix(texts[0], "...") {
		t.Errorf("expected a truncated Hindi preview, got %q", texts[0])
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc..."},
		{"सिर दर्द", 3, "सिर..."},
		{"héllo", 2, "hé..."},
	}

	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestRouterVariantCommands(t *testing.T) {
	b := newTestBot(t)

	b.say("/variant")
	if !contains(b.chat.texts(), "/variant therapist") || !contains(b.chat.texts(), "(current)") {
		t.Fatalf("expected variant list, got %q", b.chat.texts())
	}

	b.chat.reset()
	b.say("/variant therapist")
	if !contains(b.chat.texts(), "Alex") {
		t.Errorf("expected therapist greeting, got %q", b.chat.texts())
	}

	b.chat.reset()
	b.say("/variant dentist")
	if !contains(b.chat.texts(), "Unknown assistant") {
		t.Errorf("expected unknown notice, got %q", b.chat.texts())
	}

	b.chat.reset()
	b.say("I feel anxious")
	if len(b.gateway.requests) != 1 || b.gateway.requests[0].Variant.Key != variant.Therapist {
		t.Errorf("turn should go to the therapist, got %+v", b.gateway.requests)
	}
}

func TestRouterNewChat(t *testing.T) {
	b := newTestBot(t)
	b.say("first")
	b.say("/new")
	b.say("second")

	summaries, err := b.store.ListRecentSessions(context.Background(), "telegram:42", "medical", 10)
	if err != nil {
		t.Fatalf("ListRecentSessions: %v", err)
	}
	if len(summaries) != 2 {
		t.Errorf("expected two sessions after /new, got %d", len(summaries))
	}
	if !contains(b.chat.texts(), "MediBuddy") {
		t.Errorf("expected greeting after /new, got %q", b.chat.texts())
	}
}

func TestRouterHistoryAndOpen(t *testing.T) {
	b := newTestBot(t)

	b.say("/history")
	if !contains(b.chat.texts(), "No past conversations") {
		t.Fatalf("expected empty history, got %q", b.chat.texts())
	}

	b.say("sore throat")
	b.say("/new")
	b.chat.reset()

	b.say("/history")
	summaries, _ := b.store.ListRecentSessions(context.Background(), "telegram:42", "medical", 1)
	id := summaries[0].Session.ID
	if !contains(b.chat.texts(), "/open "+id) || !contains(b.chat.texts(), "echo: sore throat") {
		t.Fatalf("expected history listing with preview, got %q", b.chat.texts())
	}

	b.chat.reset()
	b.say("/open " + id)
	texts := b.chat.texts()
	if !contains(texts, "2 messages") || !contains(texts, "You: sore throat") || !contains(texts, "MediBuddy: echo: sore throat") {
		t.Errorf("unexpected replay %q", texts)
	}

	b.chat.reset()
	b.say("/open nope")
	if !contains(b.chat.texts(), "couldn't find that conversation") {
		t.Errorf("expected not found notice, got %q", b.chat.texts())
	}
}

func TestRouterOpenOtherOwner(t *testing.T) {
	b := newTestBot(t)

	id, err := b.store.CreateSession(context.Background(), "telegram:7", "medical")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	b.say("/open " + id)
	if !contains(b.chat.texts(), "couldn't find that conversation") {
		t.Errorf("other owner's session should not open, got %q", b.chat.texts())
	}
}

func TestRouterPlay(t *testing.T) {
	b := newTestBot(t)

	b.say("/play")
	if !contains(b.chat.texts(), "no voice messages") {
		t.Fatalf("expected no audio notice, got %q", b.chat.texts())
	}

	b.gateway.reply = func(req gateway.Request) (*gateway.Reply, error) {
		return &gateway.Reply{Text: "ok", VoiceURL: "https://tts.test/a.mp3"}, nil
	}
	b.say("hello")
	b.chat.reset()

	b.say("/play 3")
	if !contains(b.chat.texts(), "between 1 and 1") {
		t.Errorf("expected range notice, got %q", b.chat.texts())
	}

	b.chat.reset()
	b.say("/play 1")
	got := b.chat.last()
	if got.kind != "audio" || got.url != "https://tts.test/a.mp3" {
		t.Errorf("expected audio to be resent, got %+v", got)
	}
}

func TestRouterSeparatesChats(t *testing.T) {
	b := newTestBot(t)

	b.router.handle(context.Background(), incoming{ChatID: "1", Text: "one"})
	b.router.handle(context.Background(), incoming{ChatID: "2", Text: "two"})

	if b.router.registry.Len() != 2 {
		t.Fatalf("expected two controllers, got %d", b.router.registry.Len())
	}
	for _, owner := range []string{"telegram:1", "telegram:2"} {
		summaries, err := b.store.ListRecentSessions(context.Background(), owner, "medical", 10)
		if err != nil || len(summaries) != 1 {
			t.Errorf("owner %s: expected one session, got %d (%v)", owner, len(summaries), err)
		}
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		cmd  string
		args string
		ok   bool
	}{
		{"/start", "start", "", true},
		{"/open abc-123", "open", "abc-123", true},
		{"/Variant@medibuddy_bot therapist", "variant", "therapist", true},
		{"  /play 2 ", "play", "2", true},
		{"hello", "", "", false},
	}

	for _, tt := range tests {
		cmd, args, ok := parseCommand(tt.in)
		if cmd != tt.cmd || args != tt.args || ok != tt.ok {
			t.Errorf("parseCommand(%q) = %q, %q, %v", tt.in, cmd, args, ok)
		}
	}
}

func TestNoticeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"discarded", session.ErrDiscarded, ""},
		{"busy", session.ErrBusy, "Please wait"},
		{"gateway", &session.Failure{Kind: session.GatewayFailed, Err: gateway.ErrTimeout}, ""},
		{"upload", &session.Failure{Kind: session.UploadFailed, Err: storage.ErrUploadFailed}, "upload"},
		{"not found", &session.Failure{Kind: session.PersistenceFailed, Err: conversation.ErrNotFound}, "couldn't find"},
		{"persist", &session.Failure{Kind: session.PersistenceFailed, Err: errors.New("disk full")}, "couldn't save"},
		{"permission", &session.Failure{Kind: session.PermissionDenied, Err: capture.ErrPermissionDenied}, "allowed"},
		{"other", errors.New("boom"), "Something went wrong"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := noticeFor(tt.err)
			if tt.want == "" && got != "" {
				t.Errorf("expected no notice, got %q", got)
			}
			if tt.want != "" && !strings.Contains(got, tt.want) {
				t.Errorf("expected notice containing %q, got %q", tt.want, got)
			}
		})
	}
}
